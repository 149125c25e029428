package finetune

import (
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/checkpoints"
	"github.com/pkg/errors"
)

func checkpointsBuild(ctx *context.Context, dir string, immediate bool) (*checkpoints.Handler, error) {
	config := checkpoints.Build(ctx).Dir(dir).Keep(1)
	if immediate {
		config = config.Immediate()
	}
	return config.Done()
}

// LoadCheckpoint loads the variables of a GoMLX checkpoint directory into ctx.
func LoadCheckpoint(ctx *context.Context, dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "checkpoint directory %q", dir)
	}
	var err error
	exception := exceptions.TryCatch[error](func() {
		_, err = checkpointsBuild(ctx, dir, true)
	})
	if exception != nil {
		err = exception
	}
	return errors.WithMessagef(err, "failed to load checkpoint %q", dir)
}

// SaveCheckpoint saves the variables of ctx to dir, which must not hold a checkpoint already.
func SaveCheckpoint(ctx *context.Context, dir string) error {
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return errors.Errorf("checkpoint directory %q is not empty", dir)
	}
	var err error
	exception := exceptions.TryCatch[error](func() {
		handler, buildErr := checkpointsBuild(ctx, dir, false)
		if buildErr != nil {
			err = buildErr
			return
		}
		err = handler.Save()
	})
	if exception != nil {
		err = exception
	}
	return errors.WithMessagef(err, "failed to save checkpoint %q", dir)
}
