package power

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/boiler/log2"
)

func TestRestarter(t *testing.T) {
	t.Parallel()

	type Case struct {
		mode       string
		bootErr    error
		expectBoot bool
		expectExit bool
	}
	cases := []Case{
		{"reboot", nil, true, false},
		{"", nil, true, false},
		{"reboot", fmt.Errorf("operation not permitted"), true, true},
		{"exit", nil, false, true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.mode, func(t *testing.T) {
			r, err := NewRestarter(c.mode, log2.NewTest(t, log2.LDebug))
			require.NoError(t, err)
			synced, booted, exitCode := false, false, -1
			rr := r.(*restarter)
			rr.sync = func() { synced = true }
			rr.doBoot = func() error { booted = true; return c.bootErr }
			rr.exit = func(code int) { exitCode = code }
			// real reboot never returns
			if c.bootErr == nil && c.expectBoot {
				rr.exit = func(code int) {}
			}
			r.Restart("test")
			assert.True(t, synced)
			assert.Equal(t, c.expectBoot, booted)
			if c.expectExit {
				assert.Equal(t, 1, exitCode)
			}
		})
	}

	_, err := NewRestarter("halt", nil)
	assert.True(t, errors.IsNotValid(err))
}

func writeCPU(t testing.TB, root string, n int, avail string) string {
	dir := filepath.Join(root, fmt.Sprintf("cpu%d", n), "cpufreq")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "scaling_governor"), []byte("ondemand\n"), 0o644))
	if avail != "" {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, "scaling_available_governors"), []byte(avail), 0o644))
	}
	return filepath.Join(dir, "scaling_governor")
}

func TestLowPower(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p0 := writeCPU(t, root, 0, "ondemand powersave performance\n")
	p1 := writeCPU(t, root, 1, "")
	lp := NewLowPower("", log2.NewTest(t, log2.LDebug))
	lp.Root = root
	require.NoError(t, lp.Enter())
	for _, p := range []string{p0, p1} {
		b, err := ioutil.ReadFile(p)
		require.NoError(t, err)
		assert.Equal(t, "powersave\n", string(b))
	}
}

func TestLowPowerErrors(t *testing.T) {
	t.Parallel()

	lp := NewLowPower("turbo", nil)
	lp.Root = t.TempDir()
	assert.True(t, errors.IsNotFound(lp.Enter()))

	writeCPU(t, lp.Root, 0, "ondemand powersave\n")
	err := lp.Enter()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "governor=turbo")
}
