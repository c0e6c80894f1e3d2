package sensor

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// MaxSensors is the number of DS18B20 devices read per scan.
const MaxSensors = 5

const (
	familyGlob = "28-*"
	slaveFile  = "w1_slave"
)

var (
	ErrBadScratchpad = errors.New("sensor: malformed scratchpad")
	ErrCRC           = errors.New("sensor: scratchpad crc mismatch")
)

// Reading is one sensor's last value.
type Reading struct {
	ID  string // 1-Wire ROM id, e.g. 28-0316a2794aff
	Raw int16  // 1/16 degree C
	Err error
}

// Text formats the reading, or Missing if it could not be read.
func (r Reading) Text(fahrenheit bool) string {
	if r.Err != nil {
		return Missing
	}
	return Format(r.Raw, fahrenheit)
}

// Source reads DS18B20 sensors through the Linux w1 sysfs interface.
type Source struct {
	dir     string
	ids     []string
	changed bool
}

func NewSource(dir string) *Source {
	return &Source{dir: dir}
}

// Scan discovers sensors and reads each of them.
// Errors reading a single sensor are reported in its Reading.
func (s *Source) Scan() ([]Reading, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, familyGlob))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	if len(paths) > MaxSensors {
		paths = paths[:MaxSensors]
	}

	ids := make([]string, len(paths))
	readings := make([]Reading, len(paths))
	for i, p := range paths {
		ids[i] = filepath.Base(p)
		readings[i].ID = ids[i]
		readings[i].Raw, readings[i].Err = readSlave(filepath.Join(p, slaveFile))
		if readings[i].Err != nil {
			log.WithFields(log.Fields{
				"sensor": ids[i],
			}).WithError(readings[i].Err).Warn("Sensor read failed")
		}
	}

	if !equal(ids, s.ids) {
		if s.ids != nil || len(ids) > 0 {
			s.changed = true
			log.WithFields(log.Fields{
				"sensors": ids,
			}).Info("Sensor set changed")
		}
		s.ids = ids
	}
	return readings, nil
}

// Changed reports whether the sensor set differs from the one seen before the
// last Scan, and clears the flag.
func (s *Source) Changed() bool {
	c := s.changed
	s.changed = false
	return c
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func readSlave(path string) (int16, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		if err = sc.Err(); err != nil {
			return 0, err
		}
		return 0, ErrBadScratchpad
	}
	return ParseScratchpad(sc.Text())
}

// ParseScratchpad parses the first line of a w1_slave file, nine hex bytes
// optionally followed by the kernel's crc verdict, and returns the temperature.
func ParseScratchpad(line string) (int16, error) {
	fields := strings.Fields(line)
	if len(fields) < 9 {
		return 0, ErrBadScratchpad
	}

	var sp [9]byte
	for i := range sp {
		v, err := strconv.ParseUint(fields[i], 16, 8)
		if err != nil {
			return 0, ErrBadScratchpad
		}
		sp[i] = byte(v)
	}
	if CRC8(sp[:8]) != sp[8] {
		return 0, ErrCRC
	}

	return int16(uint16(sp[1])<<8 | uint16(sp[0])), nil
}
