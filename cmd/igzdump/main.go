// Copyright 2024 OpenAlchemy. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	igz "github.com/openalchemy/igz"
	"github.com/openalchemy/igz/log"
)

var (
	rootDir      string
	metadataRoot string
	updateFolder string
	platformName string
	logFile      string
	verbose      bool
	filter       string
	weak         bool
)

func buildLogger() log.Logger {
	var w io.Writer = os.Stderr
	if logFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    16, // megabytes
			MaxBackups: 4,
		})
	}
	logger := log.NewStdLogger(w)
	level := log.LevelError
	if verbose {
		level = log.LevelDebug
	}
	return log.NewFilter(logger, log.FilterLevel(level))
}

func parsePlatform(name string) igz.Platform {
	for p := igz.PlatformDefault; p < igz.PlatformMax; p++ {
		if strings.EqualFold(p.String(), name) || p.PlatformString() == strings.ToLower(name) {
			return p
		}
	}
	return igz.PlatformDefault
}

func newAlchemy() *igz.Alchemy {
	return igz.New(&igz.Options{
		RootDir:      rootDir,
		UpdateFolder: updateFolder,
		MetadataRoot: metadataRoot,
		Platform:     parsePlatform(platformName),
		Logger:       buildLogger(),
	})
}

func dumpDirectory(a *igz.Alchemy, path string) error {
	dir, err := a.Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("%s (namespace %s)\n", dir.Path, dir.Name)
	for _, dep := range dir.Dependencies() {
		fmt.Printf("  depends on %s\n", dep.Path)
	}

	objects := dir.Objects().Objects
	names := dir.Names().Names
	for i, obj := range objects {
		name := ""
		if dir.UseNameList && i < len(names) {
			name = names[i].String()
		}
		if filter != "" && name != "" {
			if ok, _ := doublestar.Match(filter, name); !ok {
				continue
			}
		}
		if obj == nil {
			fmt.Printf("  [%d] (null)\n", i)
			continue
		}
		typeName := "(untyped)"
		if obj.Meta() != nil {
			typeName = obj.Meta().Name
		}
		if name != "" {
			fmt.Printf("  [%d] %s %s (pool %s)\n", i, typeName, name, obj.Pool())
		} else {
			fmt.Printf("  [%d] %s (pool %s)\n", i, typeName, obj.Pool())
		}
	}
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "igzdump",
		Short: "igzdump inspects IGZ asset containers",
	}
	rootCmd.PersistentFlags().StringVar(&rootDir, "root", ".", "game content root directory")
	rootCmd.PersistentFlags().StringVar(&metadataRoot, "metadata", "", "metadata descriptor directory")
	rootCmd.PersistentFlags().StringVar(&updateFolder, "update", "", "update folder searched before the root")
	rootCmd.PersistentFlags().StringVar(&platformName, "platform", "Default", "target platform")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this rotating file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	dumpCmd := &cobra.Command{
		Use:   "dump <container>...",
		Short: "Parse containers and print their object directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := newAlchemy()
			autoRoot := rootDir == "."
			for _, arg := range args {
				if autoRoot && filepath.IsAbs(arg) {
					// Convenience: absolute paths re-root the VFS at
					// their directory.
					rootDir = filepath.Dir(arg)
					arg = filepath.Base(arg)
					a = newAlchemy()
				}
				if err := dumpDirectory(a, arg); err != nil {
					return err
				}
			}
			return nil
		},
	}
	dumpCmd.Flags().StringVar(&filter, "filter", "", "only print objects whose alias matches this glob (objects without an alias are always printed)")

	initScriptCmd := &cobra.Command{
		Use:   "initscript <script>",
		Short: "Execute an init script",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return igz.LoadInitScript(newAlchemy(), args[0], weak)
		},
	}
	initScriptCmd.Flags().BoolVar(&weak, "weak", false, "skip full_package tasks")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("igzdump 0.1.0")
		},
	}

	rootCmd.AddCommand(dumpCmd, initScriptCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
