package storage

import (
	"errors"
	"regexp"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	logx "warden/pkg/logx"
)

var namespaceRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Opener opens namespaced stores for one configured driver. It owns resources
// shared across namespaces (the redis client, the memory backing maps).
type Opener struct {
	cfg Config
	log logx.Logger

	mu     sync.Mutex
	closed bool
	redis  *redis.Client
	mem    map[string]*memStore
}

// NewOpener validates cfg and prepares the driver. It does not open any
// namespace yet.
func NewOpener(cfg Config, log logx.Logger) (*Opener, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.Driver = strings.ToLower(strings.TrimSpace(cfg.Driver))
	if cfg.Driver == "" || cfg.Driver == "none" {
		cfg.Driver = "memory"
	}

	o := &Opener{cfg: cfg, log: log}
	switch cfg.Driver {
	case "memory":
		o.mem = map[string]*memStore{}
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Dir) == "" {
			return nil, errors.New("storage.dir is required for driver " + cfg.Driver)
		}
	case "redis":
		c, err := newRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		o.redis = c
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
	return o, nil
}

func (o *Opener) Driver() string { return o.cfg.Driver }

// Open returns the store for namespace. Opening the same namespace twice on a
// durable driver yields two handles onto the same data.
func (o *Opener) Open(namespace string) (Store, error) {
	if !namespaceRe.MatchString(namespace) {
		return nil, errors.New("invalid storage namespace: " + namespace)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, ErrClosed
	}

	log := o.log.With(logx.String("ns", namespace))
	switch o.cfg.Driver {
	case "memory":
		// Memory stores outlive their handles so a reopened namespace sees
		// earlier writes, like the durable drivers do.
		st := o.mem[namespace]
		if st == nil {
			st = newMemStore()
			o.mem[namespace] = st
		}
		return memHandle{st}, nil
	case "file":
		return openFile(o.cfg, namespace, log)
	case "sqlite", "sqlite3":
		return openSQLite(o.cfg, namespace, log)
	case "redis":
		return newRedisStore(o.redis, o.cfg.RedisPrefix, namespace), nil
	default:
		return nil, errors.New("unknown storage driver: " + o.cfg.Driver)
	}
}

// Close releases shared driver resources. Stores opened earlier must be
// closed by their owners first.
func (o *Opener) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	if o.redis != nil {
		return o.redis.Close()
	}
	return nil
}
