// Package config loads serverless-style service definitions and resolves the
// stream, queue and bucket events of their functions.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/lsm/streamsim/internal/eventsource"
)

// serviceFile is the on-disk shape of one service definition.
type serviceFile struct {
	Service   string                    `yaml:"service"`
	Provider  Provider                  `yaml:"provider"`
	Functions map[string]FunctionConfig `yaml:"functions"`
	Resources struct {
		Resources eventsource.Resources `yaml:"Resources"`
	} `yaml:"resources"`
	Custom struct {
		Streamsim Options `yaml:"streamsim"`
	} `yaml:"custom"`
}

// Provider holds the provider block of a service.
type Provider struct {
	Name        string            `yaml:"name"`
	Region      string            `yaml:"region"`
	Stage       string            `yaml:"stage"`
	Environment map[string]string `yaml:"environment"`
	// Timeout is the default function timeout in seconds.
	Timeout     int               `yaml:"timeout"`
}

// FunctionConfig is one entry of the functions block.
type FunctionConfig struct {
	// Name overrides the deployed name <service>-<stage>-<key>.
	Name        string            `yaml:"name"`
	Handler     string            `yaml:"handler"`
	Timeout     int               `yaml:"timeout"`
	Environment map[string]string `yaml:"environment"`
	Invoke      InvokeConfig      `yaml:"invoke"`
	Events      []map[string]any  `yaml:"events"`
}

// InvokeConfig selects how a function is called. URL wins over Lambda.
type InvokeConfig struct {
	// URL receives the envelope as an HTTP POST.
	URL      string            `yaml:"url"`
	Headers  map[string]string `yaml:"headers"`
	// Lambda is the function name on a Lambda API endpoint. Defaults to the
	// deployed function name.
	Lambda   string            `yaml:"lambda"`
	// Endpoint of the Lambda API. Defaults to the service endpoint.
	Endpoint string            `yaml:"endpoint"`
}

// Service is a fully resolved service definition.
type Service struct {
	Name    string
	Stage   string
	Path    string
	Options Options

	Functions []*Function
	// Errors holds the events that could not be resolved. They do not stop
	// the rest of the service from running.
	Errors    []error
}

// Function is a resolved function with its event bindings.
type Function struct {
	Key         string
	Name        string
	ARN         string
	Handler     string
	Timeout     time.Duration
	Environment map[string]string
	Invoke      InvokeConfig
	Events      []*Event
}

// Event is one resolved event source declaration.
type Event struct {
	Definition      *eventsource.Definition
	// Properties of the declared resource, used for auto-creation.
	Properties      map[string]any
	AutoCreate      bool
	PollInterval    time.Duration
	WaitTimeSeconds int32
}

// Loader loads and watches service definition files.
type Loader struct {
	mu        sync.RWMutex
	services  map[string]*Service
	dir       string
	overrides Options
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
	onChange  func(map[string]*Service)
}

// NewLoader creates a new configuration loader for the given directory.
func NewLoader(dir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		services:  make(map[string]*Service),
		dir:       dir,
		lookupEnv: os.LookupEnv,
		logger:    logger,
	}
}

// Override sets options that win over every file and environment value,
// typically taken from command-line flags.
func (l *Loader) Override(o Options) {
	l.overrides = o
}

// OnChange registers a callback that fires when config files change.
func (l *Loader) OnChange(fn func(map[string]*Service)) {
	l.onChange = fn
}

// Load reads all YAML files from the configured directory. Files that fail to
// parse are logged and skipped.
func (l *Loader) Load() (map[string]*Service, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir %s: %w", l.dir, err)
	}

	env, err := FromEnv(l.lookupEnv)
	if err != nil {
		return nil, err
	}

	services := make(map[string]*Service)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(l.dir, entry.Name())
		svc, err := l.loadFile(path, env)
		if err != nil {
			l.logger.Error("failed to load config file", "path", path, "error", err)
			continue
		}
		for _, e := range svc.Errors {
			l.logger.Error("skipping event source", "service", svc.Name, "error", e)
		}
		services[svc.Name] = svc
	}

	l.mu.Lock()
	l.services = services
	l.mu.Unlock()

	return services, nil
}

// Watch starts watching the config directory for changes. Blocks until done
// is closed.
func (l *Loader) Watch(done <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	if err := watcher.Add(l.dir); err != nil {
		return fmt.Errorf("watch dir %s: %w", l.dir, err)
	}

	l.logger.Info("watching config directory", "dir", l.dir)

	for {
		select {
		case <-done:
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Remove) {
				l.logger.Info("config change detected", "file", event.Name, "op", event.Op)
				services, err := l.Load()
				if err != nil {
					l.logger.Error("failed to reload config", "error", err)
					continue
				}
				if l.onChange != nil {
					l.onChange(services)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Error("watcher error", "error", err)
		}
	}
}

// GetServices returns a copy of the currently loaded services.
func (l *Loader) GetServices() map[string]*Service {
	l.mu.RLock()
	defer l.mu.RUnlock()

	services := make(map[string]*Service, len(l.services))
	for k, v := range l.services {
		services[k] = v
	}
	return services
}

func (l *Loader) loadFile(path string, env Options) (*Service, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var file serviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if file.Service == "" {
		return nil, fmt.Errorf("service definition missing 'service' field in %s", path)
	}

	opts := Defaults().
		Merge(Options{Region: file.Provider.Region}).
		Merge(file.Custom.Streamsim).
		Merge(env).
		Merge(l.overrides)
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	svc := resolve(file, opts)
	svc.Path = path
	return svc, nil
}

// resolve turns a parsed file into a Service. Event errors are collected per
// event and never abort the other functions.
func resolve(file serviceFile, opts Options) *Service {
	stage := file.Provider.Stage
	if stage == "" {
		stage = "dev"
	}
	svc := &Service{Name: file.Service, Stage: stage, Options: opts}

	keys := make([]string, 0, len(file.Functions))
	for k := range file.Functions {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		fc := file.Functions[key]
		fn := &Function{
			Key:         key,
			Name:        fc.Name,
			Handler:     fc.Handler,
			Environment: mergeEnv(file.Provider.Environment, fc.Environment),
			Invoke:      fc.Invoke,
		}
		if fn.Name == "" {
			fn.Name = fmt.Sprintf("%s-%s-%s", file.Service, stage, key)
		}
		fn.ARN = fmt.Sprintf("arn:aws:lambda:%s:%s:function:%s", opts.Region, opts.AccountID, fn.Name)

		timeout := fc.Timeout
		if timeout == 0 {
			timeout = file.Provider.Timeout
		}
		fn.Timeout = time.Duration(timeout) * time.Second

		if fn.Invoke.Lambda == "" {
			fn.Invoke.Lambda = fn.Name
		}
		if fn.Invoke.Endpoint == "" {
			fn.Invoke.Endpoint = opts.Endpoint
		}

		for i, raw := range fc.Events {
			ev, err := resolveEvent(raw, opts, file.Resources.Resources)
			if err != nil {
				svc.Errors = append(svc.Errors, fmt.Errorf("function %s event %d: %w", key, i, err))
				continue
			}
			if ev != nil {
				fn.Events = append(fn.Events, ev)
			}
		}
		svc.Functions = append(svc.Functions, fn)
	}
	return svc
}

// errUnsupported marks events of kinds this simulator does not serve, such
// as http or schedule. They are skipped silently.
var errUnsupported = errors.New("unsupported event type")

func resolveEvent(raw map[string]any, opts Options, resources eventsource.Resources) (*Event, error) {
	kind, decl, err := eventKind(raw)
	if errors.Is(err, errUnsupported) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	so := opts.Sources[kind]
	eo := eventsource.Options{
		Region:           opts.Region,
		AccountID:        opts.AccountID,
		Resources:        resources,
		BatchSize:        firstInt(so.BatchSize, opts.BatchSize),
		StartingPosition: eventsource.StartingPosition(firstString(so.StartingPosition, opts.StartingPosition)),
		MaxRetryAttempts: opts.MaximumRetryAttempts,
	}
	if so.MaximumRetryAttempts != nil {
		eo.MaxRetryAttempts = so.MaximumRetryAttempts
	}

	def, err := eventsource.Normalize(kind, decl, eo)
	if err != nil {
		return nil, err
	}

	ev := &Event{
		Definition:   def,
		Properties:   resources.Properties(kind, def.ResourceName),
		AutoCreate:   opts.AutoCreate != nil && *opts.AutoCreate,
		PollInterval: time.Duration(firstInt(so.PollIntervalMs, opts.PollIntervalMs)) * time.Millisecond,
	}
	if so.AutoCreate != nil {
		ev.AutoCreate = *so.AutoCreate
	}
	if opts.WaitTimeSeconds != nil {
		ev.WaitTimeSeconds = int32(*opts.WaitTimeSeconds)
	}
	return ev, nil
}

// eventKind picks the source kind of one events entry. A stream entry is
// Kinesis or DynamoDB depending on its arn or type.
func eventKind(raw map[string]any) (eventsource.Kind, any, error) {
	if len(raw) != 1 {
		return "", nil, fmt.Errorf("event must have exactly one type, got %d", len(raw))
	}
	for key, decl := range raw {
		switch key {
		case "stream":
			kind, err := eventsource.StreamKind(decl)
			return kind, decl, err
		case "kinesis":
			return eventsource.KindKinesis, decl, nil
		case "dynamodb":
			return eventsource.KindDynamoDB, decl, nil
		case "sqs":
			return eventsource.KindSQS, decl, nil
		case "s3":
			return eventsource.KindS3, decl, nil
		}
		return "", nil, fmt.Errorf("%w %q", errUnsupported, key)
	}
	return "", nil, nil
}

func mergeEnv(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

func firstInt(vals ...int) int {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
