package di

import (
	"os"
	"path/filepath"
	"time"

	"github.com/coordkv/coordstore/journal"
	"github.com/coordkv/coordstore/statemachine"
	"github.com/coordkv/coordstore/stream"
	"github.com/coordkv/coordstore/utils"
	"github.com/coordkv/coordstore/utils/codec"
	"github.com/coordkv/coordstore/utils/log"
)

// Container wires the server components lazily from the configuration.
type Container struct {
	cfg        *utils.Config
	absRootDir string
	instanceID int64
	cdc        codec.Codec
	raftLog    *journal.Log
	registry   *statemachine.Registry
	runtime    *statemachine.Runtime
	compactor  *journal.Compactor
}

func NewContainer(cfg *utils.Config) *Container {
	return &Container{cfg: cfg}
}

func (c *Container) GetAbsRootDir() string {
	if c.absRootDir != "" {
		return c.absRootDir
	}
	relRootDir := c.cfg.RootDirectory

	rootDir, err := filepath.Abs(filepath.Clean(relRootDir))
	if err != nil {
		log.Error("cannot take absolute path of root directory %s", err.Error())
	} else {
		log.Info("root directory: %s", rootDir)
		const ownerGroupAll = 0o770
		err = os.Mkdir(rootDir, ownerGroupAll)
		if err != nil && !os.IsExist(err) {
			log.Error("could not create root directory: %s", err.Error())
			panic(err)
		}
	}
	c.absRootDir = rootDir
	return c.absRootDir
}

func (c *Container) GetInitInstanceID() int64 {
	if c.instanceID != 0 {
		return c.instanceID
	}
	c.instanceID = time.Now().UTC().UnixNano()
	return c.instanceID
}

func (c *Container) GetCodec() codec.Codec {
	if c.cdc == nil {
		c.cdc = codec.NewMsgpackCodec()
	}
	return c.cdc
}

func (c *Container) GetLog() *journal.Log {
	if c.raftLog != nil {
		return c.raftLog
	}
	l, err := journal.OpenLog(c.GetAbsRootDir(), c.cfg.SegmentSize, c.cfg.FlushOnCommit)
	if err != nil {
		log.Error("could not open log: %s", err.Error())
		panic(err)
	}
	c.raftLog = l
	return c.raftLog
}

func (c *Container) GetRegistry() *statemachine.Registry {
	if c.registry == nil {
		c.registry = statemachine.NewRegistry()
	}
	return c.registry
}

func (c *Container) GetRuntime() *statemachine.Runtime {
	if c.runtime != nil {
		return c.runtime
	}
	rt := statemachine.NewRuntime(c.GetLog(), c.GetCodec(), c.GetRegistry())
	if c.cfg.StreamEnabled {
		rt.SetAppliedFunc(func(commit *statemachine.Commit, res statemachine.Result) {
			var session int64
			if s := commit.Session(); s != nil {
				session = s.ID()
			}
			_ = stream.Push(stream.Payload{
				Index:     commit.Index(),
				Term:      commit.Term(),
				Timestamp: commit.Timestamp(),
				Command:   commit.Name(),
				Session:   session,
				Data:      res.Value,
			})
		})
	}
	c.runtime = rt
	return c.runtime
}

func (c *Container) GetCompactor() *journal.Compactor {
	if c.compactor != nil {
		return c.compactor
	}
	rt := c.GetRuntime()
	c.compactor = journal.NewCompactor(
		c.GetLog(),
		rt.FilterEntry,
		rt.Pinned,
		c.cfg.CompactionMinorThreshold,
		c.cfg.CompactionMajorInterval,
	)
	return c.compactor
}
