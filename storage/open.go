package storage

import (
	"fmt"
	"path/filepath"
)

// Driver names accepted by Open
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverBolt   = "bolt"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Options selects and configures a device driver
type Options struct {
	Driver      string
	DataDir     string
	Path        string // bolt/sqlite database file; defaults under DataDir
	RedisAddr   string
	RedisDB     int
	RedisPrefix string
}

// Open creates the device named by opts.Driver
func Open(opts Options) (Device, error) {
	var (
		device Device
		err    error
	)
	switch opts.Driver {
	case DriverMemory:
		return NewMemoryDevice(), nil
	case DriverFile:
		device, err = openFile(filepath.Join(opts.DataDir, "segments"))
	case DriverBolt:
		device, err = openBolt(pathOrDefault(opts, "tidesync.bolt"))
	case DriverSQLite:
		device, err = openSQLite(pathOrDefault(opts, "tidesync.db"))
	case DriverRedis:
		device, err = openRedis(opts.RedisAddr, opts.RedisDB, opts.RedisPrefix)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	return device, nil
}

// the wrappers keep a nil driver pointer out of the Device interface
func openFile(dir string) (Device, error) {
	d, err := OpenFileDevice(dir)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openBolt(path string) (Device, error) {
	d, err := OpenBoltDevice(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openSQLite(path string) (Device, error) {
	d, err := OpenSQLiteDevice(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func openRedis(addr string, db int, prefix string) (Device, error) {
	d, err := OpenRedisDevice(addr, db, prefix)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func pathOrDefault(opts Options, name string) string {
	if opts.Path != "" {
		return opts.Path
	}
	return filepath.Join(opts.DataDir, name)
}
