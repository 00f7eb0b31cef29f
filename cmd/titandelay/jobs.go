// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hemant/titandelay"
	"github.com/spf13/cobra"
)

var (
	addPayload string
	addDelay   time.Duration
	addAt      string
	addID      string
	addRetry   int
	addTTR     time.Duration

	removeScan int
)

var addCmd = &cobra.Command{
	Use:   "add <topic>",
	Short: "Add a delayed job",
	Example: `  titandelay add orders --payload '{"order_id":123}' --delay 30m
  titandelay add reports --at 2026-01-02T15:04:05Z --retry 3`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := []titandelay.Option{
			titandelay.MaxRetry(addRetry),
			titandelay.TTR(addTTR),
			titandelay.ProcessIn(addDelay),
		}
		if addAt != "" {
			t, err := time.Parse(time.RFC3339, addAt)
			if err != nil {
				return fmt.Errorf("invalid --at: %w", err)
			}
			opts = append(opts, titandelay.ProcessAt(t))
		}
		if addID != "" {
			opts = append(opts, titandelay.JobID(addID))
		}
		job, err := titandelay.NewJob(args[0], []byte(addPayload), opts...)
		if err != nil {
			return err
		}

		b, err := openBucket()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := withTimeout()
		defer cancel()
		if err := b.Add(ctx, job); err != nil {
			return err
		}
		fmt.Printf("Added %s, due %s\n", job.ID(), job.DueAt().Format(time.RFC3339))
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll [index]",
	Short: "Show the head of a bucket without removing it",
	Long: `Show the job with the lowest due time in a bucket. Without an index,
the head of every bucket is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBucket()
		if err != nil {
			return err
		}
		defer b.Close()

		indices := b.Indices()
		if len(args) == 1 {
			idx, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid bucket index %q", args[0])
			}
			indices = []int{idx}
		}

		ctx, cancel := withTimeout()
		defer cancel()
		insp := titandelay.NewInspector(b)
		heads := make(map[string]*titandelay.JobInfo, len(indices))
		for _, idx := range indices {
			info, err := insp.Bucket(ctx, idx)
			if err != nil {
				return err
			}
			heads[info.Name] = info.Head
		}
		return printJSON(heads)
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <index> <job-id>",
	Short: "Remove a job from a bucket",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid bucket index %q", args[0])
		}

		b, err := openBucket()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := withTimeout()
		defer cancel()
		job, err := titandelay.NewInspector(b).LookupJob(ctx, idx, args[1], removeScan)
		if err != nil {
			return err
		}
		if err := b.Remove(ctx, idx, job); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", job.ID())
		return nil
	},
}

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "List buckets with their depth and head",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBucket()
		if err != nil {
			return err
		}
		defer b.Close()

		ctx, cancel := withTimeout()
		defer cancel()
		buckets, err := titandelay.NewInspector(b).Buckets(ctx)
		if err != nil {
			return err
		}
		return printJSON(buckets)
	},
}

func init() {
	addCmd.Flags().StringVarP(&addPayload, "payload", "p", "", "Job payload")
	addCmd.Flags().DurationVarP(&addDelay, "delay", "d", 0, "Delay before the job is due (e.g. 30s, 1h)")
	addCmd.Flags().StringVar(&addAt, "at", "", "Due time in RFC3339, overrides --delay")
	addCmd.Flags().StringVar(&addID, "id", "", "Job ID (default: random UUID)")
	addCmd.Flags().IntVar(&addRetry, "retry", 0, "Max number of retries")
	addCmd.Flags().DurationVar(&addTTR, "ttr", 0, "Time a consumer may run the job")

	removeCmd.Flags().IntVar(&removeScan, "scan", 1000, "Number of members to search for the job")
}
