package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/penbox/internal/sandbox"
)

var suggestFlag string

var templatesCmd = &cobra.Command{
	Use:     "templates",
	Aliases: []string{"template", "t"},
	Short:   "List sandbox templates",
	Long: `List the templates in the catalog and whether each has a build recipe.

Examples:
  penbox templates
  penbox templates --suggest main.py`,
	RunE: runTemplates,
}

func init() {
	templatesCmd.Flags().StringVar(&suggestFlag, "suggest", "", "Only show templates likely to run this file name, best first")
	rootCmd.AddCommand(templatesCmd)
}

func runTemplates(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer logger.Sync()

	executors, closeExecutors, err := sandbox.NewFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer closeExecutors()

	var list []*sandbox.Executor
	if suggestFlag != "" {
		list = executors.Suggest(suggestFlag)
	} else {
		list = executors.Templates()
	}

	if len(list) == 0 {
		fmt.Println("No templates found.")
		return nil
	}

	ok := color.New(color.FgGreen).SprintFunc()
	missing := color.New(color.FgRed).SprintFunc()

	fmt.Printf("%-16s %-30s %s\n", "NAME", "TITLE", "RECIPE")
	fmt.Println(strings.Repeat("─", 56))
	for _, x := range list {
		recipe := ok("yes")
		if !x.Valid() {
			recipe = missing("missing")
		}
		fmt.Printf("%-16s %-30s %s\n", x.Name, x.Title, recipe)
	}
	return nil
}
