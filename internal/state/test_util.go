package state

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/temoto/boiler/hardware/sensor"
	"github.com/temoto/boiler/log2"
)

const testBaseConfig = `collector { host = "collector.test" }`

// RecordRestarter records restart requests instead of rebooting.
type RecordRestarter struct {
	sync.Mutex
	Reasons []string
}

func (r *RecordRestarter) Restart(reason string) {
	r.Lock()
	r.Reasons = append(r.Reasons, reason)
	r.Unlock()
}

func (r *RecordRestarter) Count() int {
	r.Lock()
	defer r.Unlock()
	return len(r.Reasons)
}

// NewTestContext reads confString over minimal valid base config,
// sensors are mock and restart is recorded.
func NewTestContext(t testing.TB, confString string) (context.Context, *Global) {
	fs := NewMockFullReader(map[string]string{
		"test-base":   testBaseConfig,
		"test-inline": confString,
	})

	var log *log2.Log
	if os.Getenv("boiler_test_log_stderr") == "1" {
		log = log2.NewStderr(log2.LDebug) // useful with panics
	} else {
		log = log2.NewTest(t, log2.LDebug)
	}
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log)
	g.BuildVersion = "test"
	g.MustInit(ctx, MustReadConfig(log, fs, "test-base", "test-inline"))

	g.Hardware.Sensors.Driver = NewMockSensors(g.Config.Sensor.Expect)
	g.SetRestarter(&RecordRestarter{})
	return ctx, g
}

func MockSensors(g *Global) *sensor.Mock {
	d, _ := g.Sensors()
	return d.(*sensor.Mock)
}
