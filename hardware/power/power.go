// Package power has the irreversible and the energy saving parts of the device:
// restart and low power mode.
package power

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/juju/errors"
	"github.com/temoto/boiler/helpers"
	"github.com/temoto/boiler/log2"
	"golang.org/x/sys/unix"
)

const (
	RestartReboot = "reboot"
	RestartExit   = "exit"

	DefaultGovernor = "powersave"
	DefaultSysRoot  = "/sys/devices/system/cpu"
)

// Restarter performs full device reinitialization. Restart does not return.
type Restarter interface {
	Restart(reason string)
}

type restarter struct {
	log    *log2.Log
	reboot bool
	// replaced in tests
	sync   func()
	doBoot func() error
	exit   func(code int)
}

// NewRestarter mode "reboot" restarts the machine, "exit" terminates
// the process and leaves restart to the service manager.
func NewRestarter(mode string, log *log2.Log) (Restarter, error) {
	r := &restarter{
		log:    log,
		sync:   unix.Sync,
		doBoot: func() error { return unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART) },
		exit:   os.Exit,
	}
	switch mode {
	case "", RestartReboot:
		r.reboot = true
	case RestartExit:
	default:
		return nil, errors.NotValidf("restart mode=%s valid: reboot, exit", mode)
	}
	return r, nil
}

func (r *restarter) Restart(reason string) {
	r.log.Errorf("restart reason=%s reboot=%t", reason, r.reboot)
	r.sync()
	if r.reboot {
		err := r.doBoot()
		// only reached on failure, i.e. missing CAP_SYS_BOOT
		r.log.Errorf("reboot err=%v, exit instead", err)
	}
	r.exit(1)
}

// LowPower sets CPU frequency governor on every CPU.
type LowPower struct {
	Log      *log2.Log
	Root     string
	Governor string
}

func NewLowPower(governor string, log *log2.Log) *LowPower {
	if governor == "" {
		governor = DefaultGovernor
	}
	return &LowPower{Log: log, Root: DefaultSysRoot, Governor: governor}
}

func (lp *LowPower) Enter() error {
	paths, err := filepath.Glob(filepath.Join(lp.Root, "cpu[0-9]*", "cpufreq", "scaling_governor"))
	if err != nil {
		return errors.Annotate(err, "low power")
	}
	if len(paths) == 0 {
		return errors.NotFoundf("cpufreq governor under %s", lp.Root)
	}
	errs := make([]error, 0, len(paths))
	for _, p := range paths {
		if err := lp.set(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return errors.Annotate(err, "low power")
	}
	lp.Log.Infof("low power governor=%s cpus=%d", lp.Governor, len(paths))
	return nil
}

func (lp *LowPower) set(path string) error {
	avail, err := ioutil.ReadFile(filepath.Join(filepath.Dir(path), "scaling_available_governors"))
	if err == nil && !containsWord(string(avail), lp.Governor) {
		return errors.NotSupportedf("governor=%s available=%s", lp.Governor, strings.TrimSpace(string(avail)))
	}
	return errors.Annotatef(ioutil.WriteFile(path, []byte(lp.Governor+"\n"), 0o644), "write %s", path)
}

func containsWord(s, w string) bool {
	for _, x := range strings.Fields(s) {
		if x == w {
			return true
		}
	}
	return false
}
