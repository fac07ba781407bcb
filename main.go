package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"fieldsync/cmd"
)

var version = "0.3.0"
var full bool
var entities []string
var schedule string
var entityFile string

func main() {
	Execute()
}

func Execute() {
	rootCmd.Flags().BoolVarP(&full, "full", "f", false, "fetch all records (full refresh) rather than only records changed since the last cursor (incremental, default)")
	rootCmd.Flags().StringSliceVarP(&entities, "entities", "e", nil, "sync only the named entities, e.g. --entities users,tasks")
	rootCmd.Flags().StringVarP(&schedule, "schedule", "s", "", "run on a cron schedule (e.g. \"0 2 * * *\") until interrupted")
	rootCmd.Flags().StringVarP(&entityFile, "config", "c", "", "path to an entity registry YAML overriding the built-in set")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

var rootCmd = &cobra.Command{
	Use:     "fieldsync",
	Version: version,
	Short:   "fieldsync - field-service API to local store sync CLI",
	Long:    `fieldsync mirrors a field-service management API (users, customers, tasks, equipment, ...) into a local relational store, incrementally and idempotently, so reporting tools can query offline.`,
	Args:    cobra.NoArgs,
	RunE: func(command *cobra.Command, args []string) error {
		log.SetFormatter(&log.JSONFormatter{})

		if err := cmd.Run(cmd.Options{
			FullRefresh: full,
			Entities:    entities,
			Schedule:    schedule,
			EntityFile:  entityFile,
		}); err != nil {
			log.WithFields(log.Fields{"Error": err}).Error("sync run failed")
			return err
		}

		return nil
	},
}
