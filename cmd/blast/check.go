package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/seleznev/blast/internal/compliance"
	"github.com/seleznev/blast/internal/template"
)

var (
	checkBody     string
	checkCategory string

	previewBody     string
	previewVars     []string
	previewSpintext bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check message content against compliance rules",
	Long: `Run the compliance content rules against a message body without
sending anything. Useful for vetting templates before a campaign.`,
	RunE: runCheck,
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Render a template with sample variables",
	RunE:  runPreview,
}

func init() {
	checkCmd.Flags().StringVar(&checkBody, "body", "", "Message body to check (required)")
	checkCmd.Flags().StringVar(&checkCategory, "category", "", "Template category")
	checkCmd.MarkFlagRequired("body")

	previewCmd.Flags().StringVar(&previewBody, "body", "", "Template body (required)")
	previewCmd.Flags().StringArrayVar(&previewVars, "var", nil, "Variable as key=value (repeatable)")
	previewCmd.Flags().BoolVar(&previewSpintext, "spintext", false, "Resolve {option|option} spintext groups")
	previewCmd.MarkFlagRequired("body")

	rootCmd.AddCommand(checkCmd, previewCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	result := compliance.CheckContent(checkBody)
	if checkCategory != "" {
		gate := compliance.NewGate(nil, nil)
		var err error
		result, err = gate.Evaluate(checkBody, checkCategory, "")
		if err != nil {
			return err
		}
	}

	fmt.Printf("Compliant:  %v\n", result.Compliant)
	fmt.Printf("Risk score: %d (%s)\n", result.RiskScore, result.RiskLevel)
	for _, v := range result.Violations {
		fmt.Printf("  violation: %s\n", v)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning:   %s\n", w)
	}
	for _, r := range result.Recommendations {
		fmt.Printf("  hint:      %s\n", r)
	}
	if vars := template.ExtractVariables(checkBody); len(vars) > 0 {
		fmt.Printf("Variables:  %s\n", strings.Join(vars, ", "))
	}

	if !result.Compliant {
		return fmt.Errorf("message is not compliant")
	}
	return nil
}

func runPreview(cmd *cobra.Command, args []string) error {
	vars := make(map[string]string, len(previewVars))
	for _, kv := range previewVars {
		key, value, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("invalid --var %q, expected key=value", kv)
		}
		vars[key] = value
	}

	rendered := template.Render(previewBody, vars, template.Options{Spintext: previewSpintext})
	fmt.Println(rendered)

	var unresolved []string
	for _, name := range template.ExtractVariables(previewBody) {
		if _, ok := vars[name]; !ok {
			unresolved = append(unresolved, name)
		}
	}
	if len(unresolved) > 0 {
		fmt.Printf("unresolved variables: %s\n", strings.Join(unresolved, ", "))
	}
	return nil
}
