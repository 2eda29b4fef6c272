package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/runbox/internal/config"
	"github.com/jkaninda/runbox/internal/execution"
)

var (
	execEval   []string
	execRecord bool
)

var execCmd = &cobra.Command{
	Use:   "exec [file ...]",
	Short: "Run snippets or files locally in one session",
	Long: `Run each -e snippet, then each file ("-" reads stdin), in order and in the
same session, with the configured limits. Stops at the first submission that
fails or writes to stderr.`,
	Example: `  runbox exec -e 'x = 21' -e 'print(x * 2)'
  runbox exec setup.js main.js`,
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringArrayVarP(&execEval, "eval", "e", nil, "code to run (repeatable)")
	execCmd.Flags().BoolVar(&execRecord, "record", false, "write executions to the configured audit storage")
}

// errExecFailed is returned when a submission ends with stderr or an error.
var errExecFailed = errors.New("execution failed")

func runExec(cmd *cobra.Command, args []string) error {
	sources, err := execSources(args, cmd.InOrStdin())
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		return fmt.Errorf("nothing to run: pass -e code or a file")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !execRecord {
		cfg.Storage = &config.StorageConfig{Driver: "none"}
	}
	// Only warnings and errors unless debug was asked for.
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	logger := newLogger(cfg.Logging)

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runSources(ctx, sc.Handler, sources, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

// runSources submits each source in order, continuing the session the first
// one creates.
func runSources(ctx context.Context, h execution.Handler, sources []string, stdout, stderr io.Writer) error {
	var id string
	for i, code := range sources {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, status := h.HandleSubmission(ctx, execution.NewSubmission(code, id))
		if resp.ID != "" {
			id = resp.ID
		}
		if resp.Stdout != nil {
			_, _ = io.WriteString(stdout, *resp.Stdout)
		}
		if resp.Stderr != nil {
			_, _ = io.WriteString(stderr, *resp.Stderr)
			return fmt.Errorf("%w: submission %d raised an error", errExecFailed, i+1)
		}
		if status != http.StatusOK {
			return fmt.Errorf("%w: submission %d: %s", errExecFailed, i+1, resp.Error)
		}
	}
	return nil
}

// execSources collects -e snippets followed by file contents.
func execSources(files []string, stdin io.Reader) ([]string, error) {
	sources := append([]string(nil), execEval...)
	for _, name := range files {
		var data []byte
		var err error
		if name == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(name)
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		sources = append(sources, string(data))
	}
	return sources, nil
}
