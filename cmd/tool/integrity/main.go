package integrity

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/coordkv/coordstore/journal"
	"github.com/coordkv/coordstore/utils/log"
)

const (
	usage   = "integrity"
	short   = "Walk a segment directory and validate every entry checksum"
	long    = "This command loads a log directory and reads every retained entry, validating record checksums"
	example = "coordstore tool integrity --dir <path>"

	// Flag descriptions.
	rootDirPathDesc = "set filesystem path of the directory containing the segment files to evaluate"
	segmentSizeDesc = "set the segment size cap the log was written with"

	defaultSegmentSize = 32 * 1024 * 1024
)

var (
	// Available flags.
	rootDirPath string
	segmentSize int64

	// Cmd is the integrity command.
	Cmd = &cobra.Command{
		Use:     usage,
		Short:   short,
		Long:    long,
		Aliases: []string{"ic", "integritycheck"},
		Example: example,
		RunE:    executeIntegrity,
	}
)

func init() {
	// Parse flags.
	Cmd.Flags().StringVarP(&rootDirPath, "dir", "d", "", rootDirPathDesc)
	Cmd.MarkFlagRequired("dir")
	Cmd.Flags().Int64Var(&segmentSize, "segment-size", defaultSegmentSize, segmentSizeDesc)
}

func executeIntegrity(cmd *cobra.Command, _ []string) error {
	cmd.SilenceUsage = true

	l, err := journal.OpenLog(rootDirPath, segmentSize, false)
	if err != nil {
		return fmt.Errorf("open log at %s: %w", rootDirPath, err)
	}
	defer l.Close()

	first, last := l.FirstIndex(), l.LastIndex()
	log.Info("log bounds [%d, %d]", first, last)

	var read, holes int64
	prev := first - 1
	r := l.NewReader(first)
	defer r.Close()
	for {
		e, err := r.Next()
		if err == journal.ErrEndOfLog {
			break
		}
		if err != nil {
			return fmt.Errorf("read failed at index %d: %w", r.NextIndex(), err)
		}
		read++
		holes += e.Index - prev - 1
		prev = e.Index
	}

	log.Info("validated %d entries (%d compaction holes)", read, holes)
	return nil
}
