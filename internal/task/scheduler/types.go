package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "smsbot/pkg/logx"
)

type Config struct {
	Timezone    string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
	HistorySize int    // finished runs kept for Snapshot (default 50)
}

type scheduleDef struct {
	name    string
	every   time.Duration
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
}

type onceDef struct {
	at      time.Time
	timeout time.Duration
	ver     uint64
	timer   *time.Timer
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	c    *cron.Cron
	defs map[string]*scheduleDef

	// base is the parent of every run context; cancelled by Stop.
	base   context.Context
	cancel context.CancelFunc
	runs   sync.WaitGroup

	tmu     sync.Mutex
	once    map[string]*onceDef
	onceVer uint64

	hmu     sync.Mutex
	history []HistoryItem
}

type ScheduleInfo struct {
	Name    string
	Every   time.Duration
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type OnceInfo struct {
	Name string
	At   time.Time
}

type HistoryItem struct {
	Name    string
	Started time.Time
	Took    time.Duration
	Error   string
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
	Once      []OnceInfo
	History   []HistoryItem
}
