package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chadiek/chemtutor/internal/retrieval"
)

var (
	indexSource  string
	indexOut     string
	chunkSize    int
	chunkOverlap int

	indexCmd = &cobra.Command{
		Use:   "index",
		Short: "Manage the local knowledge base index",
	}

	indexBuildCmd = &cobra.Command{
		Use:   "build",
		Short: "Chunk and embed text files into the local index",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			out := indexOut
			if out == "" {
				out = cfg.RAGIndexPath
			}
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				return err
			}
			b := &retrieval.Builder{
				Embedder: newEmbedder(cfg),
				Splitter: retrieval.NewSplitter(chunkSize, chunkOverlap),
			}
			n, err := b.BuildFile(ctx, indexSource, out)
			if err != nil {
				return err
			}
			var size uint64
			if st, err := os.Stat(out); err == nil {
				size = uint64(st.Size())
			}
			log.Info("index written", "path", out, "chunks", n, "size", humanize.Bytes(size), "model", b.Embedder.Model())
			return nil
		},
	}
)

func init() {
	indexBuildCmd.Flags().StringVar(&indexSource, "source", "data/docs", "directory of .txt, .md and .pdf files")
	indexBuildCmd.Flags().StringVar(&indexOut, "out", "", "index file (default RAG_INDEX_PATH)")
	indexBuildCmd.Flags().IntVar(&chunkSize, "chunk-size", retrieval.DefaultChunkSize, "chunk size in characters")
	indexBuildCmd.Flags().IntVar(&chunkOverlap, "chunk-overlap", retrieval.DefaultChunkOverlap, "overlap between chunks")
	indexCmd.AddCommand(indexBuildCmd)
}
