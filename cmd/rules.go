package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sunbk201/reqhdr/internal/rule"
	"github.com/sunbk201/reqhdr/internal/store"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with rules files",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Compile a rules file and report rules that would be dropped",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesCheck,
}

var rulesRegexTimeout time.Duration

func init() {
	rulesCheckCmd.Flags().DurationVar(&rulesRegexTimeout, "regex-timeout", 0, "Regex match timeout")
	rulesCmd.AddCommand(rulesCheckCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	raw, err := store.Decode(data)
	if err != nil {
		return err
	}

	var opts []rule.Option
	if rulesRegexTimeout > 0 {
		opts = append(opts, rule.WithRegexTimeout(rulesRegexTimeout))
	}
	result := rule.Compile(raw, opts...)
	for _, w := range result.Warnings {
		fmt.Fprintln(os.Stderr, w.Error())
	}
	fmt.Printf("%d of %d rules compiled, elevated: %t\n", len(result.Rules), len(raw), result.NeedsElevated)
	if len(result.Warnings) > 0 {
		return fmt.Errorf("%d rules dropped", len(result.Warnings))
	}
	return nil
}
