package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stevedore/pkg"
	"stevedore/pkg/tasks"
)

const taskFileName = "tasks.star"
const optionCacheName = ".stevedore.cache"

var runCmd = &cobra.Command{
	Use:   "run [task...] [option=value...]",
	Short: "Runs the given release tasks",
	Long: `Parses the first tasks.star file found in the current directory or any
parent and executes the given tasks in order. Without task names, the
available tasks are listed. option=value arguments override the script's
option() defaults and are cached for later runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		envFiles, err := cmd.Flags().GetStringArray("env-file")
		if err != nil {
			return err
		}

		taskFile, err := cmd.Flags().GetString("file")
		if err != nil {
			return err
		}

		taskNames := make([]string, 0, len(args))
		options := make(map[string]string)
		for _, part := range args {
			if name, value, ok := strings.Cut(part, "="); ok {
				options[name] = value
			} else {
				taskNames = append(taskNames, part)
			}
		}

		logger := zerolog.New(NewConsoleWriter())
		ctx := tasks.WithLogger(cmd.Context(), &logger)

		if taskFile == "" {
			wd, err := os.Getwd()
			if err != nil {
				logger.Fatal().Err(err).Msg("Failed to retrieve the current working directory")
			}

			taskFile, err = pkg.FindFileUpwards(wd, taskFileName)
			if err != nil {
				logger.Fatal().Err(err).Msg("No task file found")
			}
		}

		projectRoot := filepath.Dir(taskFile)
		cachePath := filepath.Join(projectRoot, optionCacheName)

		if len(options) == 0 {
			cached, err := tasks.ReadCache(cachePath)
			if err == nil {
				options = cached
			}
		}

		extraEnv, err := loadEnvFiles(envFiles)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load env files")
		}

		taskList, scriptOptions, err := tasks.Load(ctx, taskFile, projectRoot, tasks.LoadParams{
			Options: options,
			Env:     extraEnv,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to parse tasks")
		}

		if len(options) > 0 {
			if err := tasks.WriteCache(cachePath, options); err != nil {
				logger.Warn().Err(err).Msg("Failed to cache options")
			}
		}

		if len(taskNames) == 0 {
			listTasks(taskList, scriptOptions)
			return nil
		}

		for _, name := range taskNames {
			err = tasks.Run(ctx, projectRoot, name, taskList, dryRun, force)
			if err != nil {
				logger.Fatal().Err(err).Msgf("Failed task %s:", name)
			}
		}

		return nil
	},
}

func loadEnvFiles(envFiles []string) (map[string]string, error) {
	extraEnv := make(map[string]string)
	for _, file := range envFiles {
		vars, err := godotenv.Read(file)
		if err != nil {
			return nil, err
		}

		for name, value := range vars {
			extraEnv[name] = value
		}
	}
	return extraEnv, nil
}

func listTasks(taskList tasks.TaskList, scriptOptions map[string]tasks.ScriptOption) {
	fmt.Println("Available tasks:")
	maxNameLen := 0
	sortedNames := make([]string, 0, len(taskList))
	for _, task := range taskList {
		if len(task.Short) > maxNameLen {
			maxNameLen = len(task.Short)
		}

		sortedNames = append(sortedNames, task.Short)
	}

	sort.Strings(sortedNames)

	lineFmt := fmt.Sprintf(" * %%-%ds %%s\n", maxNameLen+3)
	for _, name := range sortedNames {
		fmt.Printf(lineFmt, name+":", taskList[name].Desc)
	}

	if len(scriptOptions) == 0 {
		return
	}

	fmt.Println("\nOptions:")
	optionNames := make([]string, 0, len(scriptOptions))
	for name := range scriptOptions {
		optionNames = append(optionNames, name)
	}
	sort.Strings(optionNames)

	for _, name := range optionNames {
		option := scriptOptions[name]
		fmt.Printf(" * %s=%s  %s\n", name, option.Default(), option.Help)
	}
}

// runContext is a tiny helper for other commands that re-run tasks.
func runContext(logger *zerolog.Logger) context.Context {
	return tasks.WithLogger(context.Background(), logger)
}

func init() {
	runCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	runCmd.Flags().BoolP("force", "f", false, "always execute the passed tasks even if they don't have to run")
	runCmd.Flags().StringArrayP("env-file", "e", nil, "dotenv file to load and export to every task (repeatable)")
	runCmd.Flags().String("file", "", "explicit path to the task file")

	rootCmd.AddCommand(runCmd)
}
