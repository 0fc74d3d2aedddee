package hardware

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/hwmonitor/internal/errors"
)

const defaultRAPLPath = "/sys/class/powercap/intel-rapl/intel-rapl:0"

// raplMeter derives package power from the RAPL cumulative energy counter.
// The first reading only primes the counter.
type raplMeter struct {
	mu         sync.Mutex
	dir        string
	lastEnergy uint64
	lastTime   time.Time
	primed     bool
}

func newRAPLMeter(dir string) *raplMeter {
	return &raplMeter{dir: dir}
}

// Available reports whether the energy counter can be read at all.
func (m *raplMeter) Available() bool {
	_, err := os.Stat(filepath.Join(m.dir, "energy_uj"))
	return err == nil
}

// Watts returns average power since the previous call.
func (m *raplMeter) Watts(now time.Time) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	energy, err := readUint(filepath.Join(m.dir, "energy_uj"))
	if err != nil {
		return 0, false, errors.New().Wrap(ErrEnergyReadFailed, err)
	}

	if !m.primed {
		m.lastEnergy, m.lastTime, m.primed = energy, now, true
		return 0, false, nil
	}

	elapsed := now.Sub(m.lastTime).Seconds()
	if elapsed <= 0 {
		return 0, false, nil
	}

	delta := energy - m.lastEnergy
	if energy < m.lastEnergy {
		// counter wrapped
		maxRange, err := readUint(filepath.Join(m.dir, "max_energy_range_uj"))
		if err != nil {
			m.lastEnergy, m.lastTime = energy, now
			return 0, false, nil
		}
		delta = maxRange - m.lastEnergy + energy
	}

	m.lastEnergy, m.lastTime = energy, now

	return float64(delta) / 1e6 / elapsed, true, nil
}

func readUint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(b)), 10, 64)
}
