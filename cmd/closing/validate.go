package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/templates"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [files...]",
		Short: "Validate process template files",
		Long:  "Validate process template files against the template schema and the structural rules. Without arguments the built-in templates are checked.",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, err := template.NewLoader()
			if err != nil {
				return err
			}
			return validateTemplates(cmd.OutOrStdout(), loader, args)
		},
	}
}

// validateTemplates prints one line per valid template and one line per
// problem of an invalid one. It fails if any template is invalid.
func validateTemplates(out io.Writer, loader *template.Loader, files []string) error {
	if len(files) == 0 {
		tpls, err := loader.LoadFS(templates.FS)
		if err != nil {
			reportInvalid(out, "built-in", err)
			return errors.New("built-in templates are invalid")
		}
		for _, t := range tpls {
			reportValid(out, t)
		}
		return nil
	}

	failed := 0
	for _, path := range files {
		t, err := loader.LoadFile(path)
		if err != nil {
			failed++
			reportInvalid(out, path, err)
			continue
		}
		reportValid(out, t)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d templates invalid", failed, len(files))
	}
	return nil
}

func reportValid(out io.Writer, t *template.Template) {
	fmt.Fprintf(out, "ok\t%s\tversion=%s steps=%d milestones=%d checksum=%s\n",
		t.Source(), t.Version(), len(t.Steps()), len(t.Milestones()), t.Checksum())
}

func reportInvalid(out io.Writer, source string, err error) {
	var verr *template.ValidationError
	if !errors.As(err, &verr) {
		fmt.Fprintf(out, "error\t%s\t%v\n", source, err)
		return
	}
	for _, ve := range verr.Errors {
		fmt.Fprintf(out, "error\t%s\t%s\t%s\t%s\n", source, ve.Code, ve.Path, ve.Message)
	}
}
