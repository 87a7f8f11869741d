// ABOUTME: The ask subcommand: runs one question over local files and prints the JSON answer.
// ABOUTME: With --tui it shows a live progress view instead of streaming the run log.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389-research/assay/service"
	"github.com/2389-research/assay/tui"
	"github.com/2389-research/assay/workflow"
)

type askFlags struct {
	files  []string
	tui    bool
	pretty bool
}

func (c *cli) askCmd() *cobra.Command {
	var f askFlags
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question about data and print the resulting JSON",
		Long: "Answer a question and print the JSON the analysis wrote.\n" +
			"The question comes from the arguments, or from a --file named question.txt.",
		Example: "  assay ask \"Which region had the highest revenue?\" --file sales.csv\n" +
			"  assay ask --file question.txt --file films.csv --tui",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ask(cmd.Context(), strings.Join(args, " "), f)
		},
	}
	cmd.Flags().StringArrayVarP(&f.files, "file", "f", nil, "file to upload into the run folder (repeatable)")
	cmd.Flags().BoolVar(&f.tui, "tui", false, "show live progress in the terminal")
	cmd.Flags().BoolVar(&f.pretty, "pretty", false, "indent the JSON answer")
	return cmd
}

func (c *cli) ask(ctx context.Context, question string, f askFlags) error {
	var echo io.Writer = log.Writer()
	if f.tui {
		echo = nil
		if c.cfg.Server.LogFile == "" {
			log.SetOutput(io.Discard)
			defer log.SetOutput(c.stderr)
		}
	}

	a, err := newApp(c.cfg, echo)
	if err != nil {
		return err
	}
	defer a.Close()

	sess, err := a.service.Begin()
	if err != nil {
		return err
	}
	if question != "" {
		sess.SetQuestion(question)
	}
	for _, path := range f.files {
		if err := addLocalFile(sess, path); err != nil {
			sess.Discard()
			return err
		}
	}

	var answer *workflow.Result
	if f.tui {
		answer, err = tui.Run(ctx, sess.Question(), func(ctx context.Context, events workflow.EventHandler) (*workflow.Result, error) {
			ans, err := sess.Run(ctx, events)
			if err != nil {
				return nil, err
			}
			return ans.Result, nil
		})
	} else {
		var ans *service.Answer
		if ans, err = sess.Run(ctx, nil); err == nil {
			answer = ans.Result
		}
	}
	if err != nil {
		c.printFailure(sess.ID(), err)
		return err
	}
	return c.printResult(answer.Raw, f.pretty)
}

func addLocalFile(sess *service.Session, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if _, err := sess.AddFile(filepath.Base(path), file); err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

func (c *cli) printResult(raw []byte, pretty bool) error {
	out := raw
	if pretty {
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err == nil {
			out = buf.Bytes()
		}
	}
	if _, err := c.stdout.Write(out); err != nil {
		return err
	}
	_, err := io.WriteString(c.stdout, "\n")
	return err
}

// printFailure writes the run id and the failure's diagnostic detail to
// stderr. The error itself is reported by the caller.
func (c *cli) printFailure(runID string, err error) {
	fmt.Fprintf(c.stderr, "run %s did not produce an answer\n", runID)
	var f *workflow.Failure
	if errors.As(err, &f) && f.Detail != "" {
		fmt.Fprintf(c.stderr, "\n%s\n\n", strings.TrimRight(f.Detail, "\n"))
	}
}
