package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/buildscript"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the tasks the build script declares",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManifest(cmd)
		if err != nil {
			return err
		}

		target, err := m.PickTarget()
		if err != nil {
			return err
		}

		graph, _, err := buildscript.Evaluate(cmd.Context(), buildscript.Config{
			Script:      m.ScriptPath(),
			ProjectRoot: m.Root(),
			Target:      target.Tag(),
			OutDir:      m.WorkDirPath(),
			Options:     m.Options,
			Configure:   true,
		})
		if err != nil {
			return err
		}

		fmt.Println("Available tasks:")
		maxNameLen := 0
		sortedNames := make([]string, 0, len(graph))
		for _, task := range graph {
			if task.Hidden {
				continue
			}

			if len(task.Short) > maxNameLen {
				maxNameLen = len(task.Short)
			}
			sortedNames = append(sortedNames, task.Short)
		}
		sort.Strings(sortedNames)

		lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
		for _, name := range sortedNames {
			fmt.Printf(lineFmt, name+":", graph[name].Desc)
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}
