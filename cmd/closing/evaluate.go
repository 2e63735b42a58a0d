package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pitabwire/closing/internal/engine"
	"github.com/pitabwire/closing/internal/template"
	"github.com/pitabwire/closing/model"
	"github.com/pitabwire/closing/templates"
)

func newEvaluateCommand() *cobra.Command {
	var (
		completed    []string
		flagArgs     []string
		templateFile string
	)

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Print the snapshot for a set of completed steps and flags",
		Example: `  closing evaluate --completed ONB_MANDATE,ONB_BUYER_REGISTERED --flag financing_required=true
  closing evaluate --template ./purchase_v2.yaml --completed ONB_MANDATE`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			flags, err := parseFlagArgs(flagArgs)
			if err != nil {
				return err
			}

			tpl, err := loadEvaluationTemplate(templateFile)
			if err != nil {
				return err
			}

			snap := engine.Evaluate(tpl, completed, flags)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}

	cmd.Flags().StringSliceVar(&completed, "completed", nil, "comma-separated codes of completed steps")
	cmd.Flags().StringArrayVar(&flagArgs, "flag", nil, "case flag as name=true|false (repeatable)")
	cmd.Flags().StringVar(&templateFile, "template", "", "template file (defaults to the built-in template)")
	return cmd
}

// loadEvaluationTemplate compiles path, or returns the default built-in
// template when path is empty.
func loadEvaluationTemplate(path string) (*template.Template, error) {
	loader, err := template.NewLoader()
	if err != nil {
		return nil, err
	}
	if path != "" {
		return loader.LoadFile(path)
	}

	tpls, err := loader.LoadFS(templates.FS)
	if err != nil {
		return nil, err
	}
	registry, err := template.NewRegistry(tpls, templates.DefaultVersion)
	if err != nil {
		return nil, err
	}
	return registry.Active(), nil
}

// parseFlagArgs turns name=bool pairs into flags. A bare name means true.
func parseFlagArgs(args []string) (model.Flags, error) {
	flags := make(model.Flags, len(args))
	for _, arg := range args {
		name, raw, hasValue := strings.Cut(arg, "=")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("invalid --flag %q: missing name", arg)
		}
		if !hasValue {
			flags[name] = true
			continue
		}
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid --flag %q: value must be true or false", arg)
		}
		flags[name] = v
	}
	return flags, nil
}
