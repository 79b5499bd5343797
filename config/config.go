package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"reflect"

	"pegasuskv/internal/util"
)

// Role selects which entry point cmd/pegasuskv runs as (spec §6 --role).
type Role string

const (
	RoleClient     Role = "client"
	RoleServer     Role = "server"
	RoleLB         Role = "lb"
	RoleController Role = "controller"
)

// KeyDist selects the workload's key distribution (spec §6 --key-dist).
type KeyDist string

const (
	DistUniform KeyDist = "uniform"
	DistZipf    KeyDist = "zipf"
)

// Dynamism selects how the workload's hot-key subset shifts over time
// (spec §6 --dynamism).
type Dynamism string

const (
	DynamismNone   Dynamism = "none"
	DynamismHotin  Dynamism = "hotin"
	DynamismRandom Dynamism = "random"
)

// Config is the full merged CLI surface from spec §6, after flag values have
// been merged over Default() per Merge's rule.
type Config struct {
	ConfigPath   string  `json:"config,omitempty"`
	Role         string  `json:"role,omitempty"`
	Duration     int     `json:"duration,omitempty"` // seconds
	KeysPath     string  `json:"keys,omitempty"`
	ValueLen     int     `json:"value-len,omitempty"`
	GetRatio     float64 `json:"get-ratio,omitempty"`
	PutRatio     float64 `json:"put-ratio,omitempty"`
	KeyDist      string  `json:"key-dist,omitempty"`
	Alpha        float64 `json:"alpha,omitempty"`
	Dynamism     string  `json:"dynamism,omitempty"`
	DInterval    int     `json:"d-interval,omitempty"` // microseconds
	DNKeys       int     `json:"d-nkeys,omitempty"`
	MeanInterval int     `json:"mean-interval,omitempty"` // microseconds

	NodeID int `json:"node-id,omitempty"` // --role server: which topology entry this node is
}

// Default returns the built-in defaults, which ParseFlags overwrites with
// every non-zero flag value. No config-file values are merged into Config:
// the --config file supplies only the Topology.
func Default() *Config {
	return &Config{
		Duration:     30,
		ValueLen:     64,
		GetRatio:     0.9,
		PutRatio:     0.1,
		KeyDist:      string(DistUniform),
		Alpha:        0.99,
		Dynamism:     string(DynamismNone),
		DInterval:    1000000,
		DNKeys:       16,
		MeanInterval: 1000,
	}
}

// ParseFlags parses args into a Config mirroring spec §6's flag table,
// merges it over Default() the same way the teacher's
// cmd/memcached/main.go merges InputConfig, and returns the result.
//
// The flag set uses flag.ContinueOnError, so a misparse is returned as an
// error instead of exiting; main maps that error to exit code 1
// (misconfiguration).
func ParseFlags(args []string) (*Config, error) {
	fs := flag.NewFlagSet("pegasuskv", flag.ContinueOnError)
	var f Config
	fs.StringVar(&f.ConfigPath, "config", "", "path to topology JSON file")
	fs.StringVar(&f.Role, "role", "", "client, server, lb, or controller")
	fs.IntVar(&f.Duration, "duration", 0, "total run time in seconds")
	fs.StringVar(&f.KeysPath, "keys", "", "path to newline-separated keyfile")
	fs.IntVar(&f.ValueLen, "value-len", 0, "synthetic value size in bytes")
	fs.Float64Var(&f.GetRatio, "get-ratio", 0, "fraction of ops that are GET")
	fs.Float64Var(&f.PutRatio, "put-ratio", 0, "fraction of ops that are PUT; remainder is DEL")
	fs.StringVar(&f.KeyDist, "key-dist", "", "uniform or zipf")
	fs.Float64Var(&f.Alpha, "alpha", 0, "zipf skew parameter")
	fs.StringVar(&f.Dynamism, "dynamism", "", "none, hotin, or random")
	fs.IntVar(&f.DInterval, "d-interval", 0, "dynamism shift interval in microseconds")
	fs.IntVar(&f.DNKeys, "d-nkeys", 0, "size of the shifting hot-key subset")
	fs.IntVar(&f.MeanInterval, "mean-interval", 0, "Poisson mean arrival interval in microseconds")
	fs.IntVar(&f.NodeID, "node-id", 0, "this node's index into the topology (role=server)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	def := Default()
	Merge(def, &f)
	switch def.Role {
	case string(RoleClient), string(RoleServer), string(RoleLB), string(RoleController):
	default:
		return nil, fmt.Errorf("--role must be one of client, server, lb, controller, got %q", def.Role)
	}
	return def, nil
}

// Merge overwrites def's fields with override's non-zero fields, matching
// the teacher's cmd/memcached/config.go mergeConfigs (manual reflection
// over corresponding struct fields; both structs here are the same shape,
// so no AOF-style nested hack is needed).
func Merge(def, override *Config) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		ov := overrideVal.Field(i)
		if !util.IsZeroVal(ov) {
			defVal.Field(i).Set(ov)
		}
	}
}

var errMisconfigured = errors.New("misconfiguration")

// ErrMisconfigured is returned by validation helpers so main can map it to
// exit code 1 (spec §6).
func ErrMisconfigured() error { return errMisconfigured }

// FatalIfErr writes err to stderr and exits 1 (misconfiguration) or 2
// (transport failure) per spec §6, matching the teacher's l.Fatal-on-
// startup-error idiom but with the specific exit codes spec §6 requires
// instead of the teacher's bare os.Exit(1).
func FatalIfErr(err error, transportErr bool) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	if transportErr {
		os.Exit(2)
	}
	os.Exit(1)
}
