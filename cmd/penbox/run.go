package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/creack/pty"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/penbox/internal/sandbox"
	"github.com/michaelbrown/penbox/internal/server"
	"github.com/michaelbrown/penbox/internal/storage"
)

var (
	templateFlag   string
	timeoutFlag    time.Duration
	blobFlag       string
	transcriptFlag string
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a source file in a sandbox and attach to it",
	Long: `Build a sandbox for a source file, start it and attach the terminal.
Lines typed are sent to the program; Ctrl+C stops it.

The template is guessed from the file name unless --template is given.

Examples:
  penbox run main.py
  penbox run --template python3.10 script.py
  penbox run --blob 3f2a9c --template shell --timeout 30s
  penbox run --transcript run.md main.go`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&templateFlag, "template", "t", "", "Template to run with (default: best suggestion for the file)")
	runCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Execution timeout (default: sandbox.default_timeout)")
	runCmd.Flags().StringVar(&blobFlag, "blob", "", "Run a stored blob instead of a file")
	runCmd.Flags().StringVar(&transcriptFlag, "transcript", "", "Write the execution and its output to this file (.json for JSON, markdown otherwise)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	if (len(args) == 0) == (blobFlag == "") {
		return errors.New("give either a file or --blob")
	}

	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		logger.Warn("blob store unavailable", zap.Error(err))
		store = nil
	} else {
		defer store.Close()
	}

	source, filename, err := loadSource(cmd.Context(), store, args)
	if err != nil {
		return err
	}

	executors, closeExecutors, err := sandbox.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer closeExecutors()

	name, err := pickTemplate(executors, filename)
	if err != nil {
		return err
	}

	dim := color.New(color.FgHiBlack)
	dim.Fprintf(os.Stderr, "building %s sandbox...\n", name)

	e, err := executors.Get(name).Execute(cmd.Context(), source, timeoutFlag)
	if err != nil {
		return err
	}

	history, closeHistory, err := newHistory(logger)
	if err != nil {
		return err
	}
	defer closeHistory()
	history.Track(e)
	defer history.Remove(e.ID)

	if err := attach(e); err != nil {
		return err
	}
	if transcriptFlag == "" {
		return nil
	}
	history.CloseAll()
	return writeTranscript(cmd.Context(), history, e.ID, transcriptFlag)
}

func writeTranscript(ctx context.Context, history *server.HistoryRecorder, id, path string) error {
	rec, err := history.Get(ctx, id)
	if err != nil {
		return err
	}

	var data []byte
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = storage.ExportJSON(rec)
		if err != nil {
			return err
		}
	} else {
		data = []byte(storage.ExportMarkdown(rec))
	}
	return os.WriteFile(path, data, 0o644)
}

// loadSource reads the program from the file argument or the blob store.
func loadSource(ctx context.Context, store storage.Store, args []string) ([]byte, string, error) {
	if blobFlag != "" {
		if store == nil {
			return nil, "", errors.New("blob store unavailable")
		}
		blob, err := store.GetBlob(ctx, blobFlag)
		if err != nil {
			return nil, "", fmt.Errorf("loading blob %s: %w", blobFlag, err)
		}
		return blob.Data, "", nil
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, "", err
	}
	if store != nil {
		store.PutBlob(ctx, storage.NewBlob(data))
	}
	return data, filepath.Base(args[0]), nil
}

func pickTemplate(executors *sandbox.ExecutorSet, filename string) (string, error) {
	if templateFlag != "" {
		return templateFlag, nil
	}
	if filename == "" {
		return "", errors.New("--template is required with --blob")
	}
	suggestions := executors.Suggest(filename)
	if len(suggestions) == 0 {
		return "", fmt.Errorf("no template runs %s, pick one with --template", filename)
	}
	return suggestions[0].Name, nil
}

// attach runs e in the foreground until it ends.
func attach(e *sandbox.Execution) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	done := make(chan struct{})
	e.Subscribe(sandbox.Observer{
		OnStream: func(data []byte) { out.Write(data) },
		OnEnd:    func() { close(done) },
	})

	rows, cols, err := pty.Getsize(os.Stdin)
	if err != nil {
		rows, cols = 24, readline.GetScreenWidth()
	}
	if rows > 0 && cols > 0 {
		e.Resize(uint16(rows), uint16(cols))
	}

	if err := e.Start(); err != nil {
		return err
	}

	go func() {
		for !e.Ended() {
			line, err := rl.Readline()
			switch {
			case errors.Is(err, readline.ErrInterrupt):
				e.Stop()
				return
			case errors.Is(err, io.EOF):
				// Ctrl+D reaches the program as end of input
				e.SendString("\x04")
				return
			case err != nil:
				return
			default:
				e.SendString(line + "\n")
			}
		}
	}()

	<-done
	<-e.Done()

	color.New(color.FgGreen).Fprintf(os.Stderr, "\n%s ended after %s\n",
		e.ID, e.EndedAt().Sub(e.StartedAt()).Round(time.Millisecond))
	return nil
}
