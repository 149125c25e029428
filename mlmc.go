// Package mlmc only holds the version of the set of tools to fine-tune transformer encoders
// for multi-class and multi-label text classification using GoMLX.
//
// The main sub-packages are:
//
//   - hub: to download model files, configurations and tokenizers from HuggingFace Hub.
//   - tokenizers: to create tokenizers (WordPiece, SentencePiece, byte-level BPE) from downloaded models.
//   - dataset and features: to read labeled TSV files and encode them into fixed-length features.
//   - models: the BERT, XLNet and GPT-2 classification heads.
//   - finetune and metrics: the training and evaluation loops, and the reported metrics.
package mlmc

// Version of the library.
// Manually kept in sync with project releases.
var Version = "v0.0.0-dev"
