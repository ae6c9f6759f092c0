package state

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/boiler/hardware/led"
	"github.com/temoto/boiler/helpers"
	"github.com/temoto/boiler/internal/agent"
	"github.com/temoto/boiler/internal/status"
	"github.com/temoto/boiler/log2"
	"github.com/temoto/boiler/tele/session"
	"github.com/temoto/boiler/tele/wire"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	LogDebug bool `hcl:"log_debug"`

	Collector struct {
		Host        string `hcl:"host"`
		Port        int    `hcl:"port"`
		Method      string `hcl:"method"`
		Path        string `hcl:"path"`
		TimeoutSec  int    `hcl:"timeout_sec"`
		DeadlineSec int    `hcl:"deadline_sec"`
		PollMs      int    `hcl:"poll_ms"`
		DNSTTLMin   int    `hcl:"dns_ttl_min"`
		TLSCAFile   string `hcl:"tls_ca_file"`
		LogDebug    bool   `hcl:"log_debug"`
	} `hcl:"collector"`

	Sensor struct {
		Bus            string  `hcl:"bus"`
		Expect         int     `hcl:"expect"`
		MinTemp        float64 `hcl:"min_temp"`
		MaxTemp        float64 `hcl:"max_temp"`
		ResolutionBits int     `hcl:"resolution_bits"`
		Mock           bool    `hcl:"mock"`
	} `hcl:"sensor"`

	Agent struct {
		TickSec        int    `hcl:"tick_sec"`
		SuccessCycles  int    `hcl:"success_cycles"`
		ErrorThreshold int    `hcl:"error_threshold"`
		Restart        string `hcl:"restart"`
	} `hcl:"agent"`

	LED struct {
		Enable  bool   `hcl:"enable"`
		Chip    string `hcl:"chip"`
		Red     int    `hcl:"red"`
		Green   int    `hcl:"green"`
		Blue1   int    `hcl:"blue1"`
		Blue2   int    `hcl:"blue2"`
		Builtin int    `hcl:"builtin"`
	} `hcl:"led"`

	Network struct {
		Interface  string `hcl:"interface"`
		TimeoutSec int    `hcl:"timeout_sec"`
	} `hcl:"network"`

	Power struct {
		LowPower bool   `hcl:"low_power"`
		Governor string `hcl:"governor"`
	} `hcl:"power"`

	MQTT struct {
		Enable   bool   `hcl:"enable"`
		Broker   string `hcl:"broker"`
		ClientID string `hcl:"client_id"`
		Topic    string `hcl:"topic"`
		Password string `hcl:"password"`
	} `hcl:"mqtt"`

	Metrics struct {
		Listen string `hcl:"listen"`
	} `hcl:"metrics"`

	_copy_guard sync.Mutex //nolint:unused
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

// NewDefaultConfig is used as unmarshal target, absent keys keep these values.
func NewDefaultConfig() *Config {
	c := &Config{includeSeen: make(map[string]struct{})}
	c.Collector.Port = session.DefaultPort
	c.Collector.Method = wire.DefaultMethod
	c.Collector.Path = wire.DefaultPath
	c.Collector.TimeoutSec = int(session.DefaultTimeout / time.Second)
	c.Collector.DeadlineSec = int(session.DefaultDeadline / time.Second)
	c.Collector.PollMs = int(session.DefaultPollInterval / time.Millisecond)
	c.Collector.DNSTTLMin = 10
	c.Sensor.Expect = agent.DefaultExpect
	c.Sensor.MinTemp = agent.DefaultMinTemp
	c.Sensor.MaxTemp = agent.DefaultMaxTemp
	c.Sensor.ResolutionBits = 12
	c.Agent.TickSec = int(agent.DefaultTick / time.Second)
	c.Agent.SuccessCycles = agent.DefaultSuccessCycles
	c.Agent.ErrorThreshold = agent.DefaultErrorThreshold
	c.Agent.Restart = "reboot"
	c.LED.Chip = "/dev/gpiochip0"
	c.LED.Red = 12
	c.LED.Green = 14
	c.LED.Blue1 = 13
	c.LED.Blue2 = 15
	c.LED.Builtin = -1
	c.Network.Interface = "wlan0"
	c.Network.TimeoutSec = 30
	c.Power.Governor = "powersave"
	c.MQTT.Topic = status.DefaultMirrorTopic
	return c
}

func (c *Config) Validate() error {
	errs := make([]error, 0)
	if c.Collector.Host == "" {
		errs = append(errs, errors.NotValidf("config: collector.host empty"))
	}
	if c.Collector.Port <= 0 || c.Collector.Port > 0xffff {
		errs = append(errs, errors.NotValidf("config: collector.port=%d", c.Collector.Port))
	}
	if c.Collector.TimeoutSec <= 0 || c.Collector.DeadlineSec < c.Collector.TimeoutSec {
		errs = append(errs, errors.NotValidf("config: collector.timeout_sec=%d deadline_sec=%d",
			c.Collector.TimeoutSec, c.Collector.DeadlineSec))
	}
	if c.Collector.PollMs <= 0 {
		errs = append(errs, errors.NotValidf("config: collector.poll_ms=%d", c.Collector.PollMs))
	}
	switch c.Sensor.ResolutionBits {
	case 9, 10, 11, 12:
	default:
		errs = append(errs, errors.NotValidf("config: sensor.resolution_bits=%d valid: 9-12", c.Sensor.ResolutionBits))
	}
	switch c.Agent.Restart {
	case "reboot", "exit":
	default:
		errs = append(errs, errors.NotValidf("config: agent.restart=%s valid: reboot, exit", c.Agent.Restart))
	}
	if c.MQTT.Enable && c.MQTT.Broker == "" {
		errs = append(errs, errors.NotValidf("config: mqtt.enable=true broker empty"))
	}
	ac := c.AgentConfig()
	if err := ac.Validate(); err != nil {
		errs = append(errs, err)
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) SessionConfig() session.Config {
	return session.Config{
		Host: c.Collector.Host,
		Port: c.Collector.Port,
		Envelope: wire.Envelope{
			Method: c.Collector.Method,
			Path:   c.Collector.Path,
			Host:   c.Collector.Host,
		},
		Timeout:      helpers.IntSecondDefault(c.Collector.TimeoutSec, session.DefaultTimeout),
		Deadline:     helpers.IntSecondDefault(c.Collector.DeadlineSec, session.DefaultDeadline),
		PollInterval: helpers.IntMillisecondDefault(c.Collector.PollMs, session.DefaultPollInterval),
	}
}

func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		Tick:           helpers.IntSecondDefault(c.Agent.TickSec, agent.DefaultTick),
		SuccessCycles:  c.Agent.SuccessCycles,
		ErrorThreshold: c.Agent.ErrorThreshold,
		Expect:         c.Sensor.Expect,
		MinTemp:        c.Sensor.MinTemp,
		MaxTemp:        c.Sensor.MaxTemp,
	}
}

func (c *Config) LEDConfig() led.Config {
	return led.Config{
		Chip:    c.LED.Chip,
		Red:     c.LED.Red,
		Green:   c.LED.Green,
		Blue1:   c.LED.Blue1,
		Blue2:   c.LED.Blue2,
		Builtin: c.LED.Builtin,
	}
}

func (c *Config) MirrorConfig() status.MirrorConfig {
	return status.MirrorConfig{
		Broker:   c.MQTT.Broker,
		ClientID: c.MQTT.ClientID,
		Password: c.MQTT.Password,
		Topic:    c.MQTT.Topic,
	}
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.NotValidf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads sources in order, later values override earlier.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if err := osfs.SetBase(dir); err != nil {
			return nil, err
		}
		names[0] = name
	}
	c := NewDefaultConfig()
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	if len(errs) == 0 {
		if err := c.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}
