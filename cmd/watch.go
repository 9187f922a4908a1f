package cmd

import (
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"stevedore/pkg"
	"stevedore/pkg/tasks"
)

// debounce window for bursts of filesystem events
const watchDebounce = 500 * time.Millisecond

var watchCmd = &cobra.Command{
	Use:   "watch task",
	Short: "Re-runs a task whenever its inputs change",
	Long: `Watches the directories covering the task's declared inputs and re-runs
the task after changes settle. The task runs once immediately.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskName := args[0]

		logger := zerolog.New(NewConsoleWriter())
		ctx, stop := signal.NotifyContext(runContext(&logger), os.Interrupt, syscall.SIGTERM)
		defer stop()

		wd, err := os.Getwd()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to retrieve the current working directory")
		}

		taskFile, err := pkg.FindFileUpwards(wd, taskFileName)
		if err != nil {
			logger.Fatal().Err(err).Msg("No task file found")
		}

		projectRoot := filepath.Dir(taskFile)
		options, err := tasks.ReadCache(filepath.Join(projectRoot, optionCacheName))
		if err != nil {
			options = nil
		}

		taskList, _, err := tasks.Load(ctx, taskFile, projectRoot, tasks.LoadParams{Options: options})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to parse tasks")
		}

		task, ok := taskList[taskName]
		if !ok {
			logger.Fatal().Msgf("Task %s not found", taskName)
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to create watcher")
		}
		defer watcher.Close()

		for _, dir := range tasks.WatchDirs(projectRoot, task) {
			err = watchRecursively(watcher, dir)
			if err != nil {
				logger.Fatal().Err(err).Msgf("Failed to watch %s", dir)
			}
		}

		runOnce := func() {
			err := tasks.Run(ctx, projectRoot, taskName, taskList, false, false)
			if err != nil {
				logger.Error().Err(err).Msgf("Failed task %s:", taskName)
			}
		}

		runOnce()
		logger.Info().Str("task", taskName).Msg("watching for changes")

		debounce := newDebouncer(watchDebounce)

		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}

				if event.Op == fsnotify.Chmod {
					continue
				}

				// new directories need to be picked up as well
				if event.Op.Has(fsnotify.Create) {
					if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
						watchRecursively(watcher, event.Name)
					}
				}

				debounce.Trigger()
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warn().Err(err).Msg("watch error")
			case <-debounce.C():
				runOnce()
				logger.Info().Str("task", taskName).Msg("watching for changes")
			}
		}
	},
}

func watchRecursively(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if entry.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
