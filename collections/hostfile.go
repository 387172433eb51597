package collections

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/btcnet/address"
)

// FileStore persists addresses as text, one "endpoint services unix-time"
// line per address.
type FileStore struct {
	Path string
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

// LoadAddresses reads the file. A missing file is an empty pool; malformed
// lines are skipped.
func (s *FileStore) LoadAddresses() ([]address.Address, error) {
	f, err := os.Open(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open hosts file: %w", err)
	}
	defer f.Close()

	var addrs []address.Address
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		a, err := parseHostLine(text)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "FileStore.LoadAddresses",
				"path":     s.Path,
				"line":     line,
				"error":    err.Error(),
			}).Warn("Skipping malformed host entry")
			continue
		}
		addrs = append(addrs, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}
	return addrs, nil
}

// SaveAddresses replaces the file atomically.
func (s *FileStore) SaveAddresses(addrs []address.Address) error {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create hosts file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, a := range addrs {
		fmt.Fprintf(w, "%s %d %d\n", a.String(), uint64(a.Services), a.Timestamp.Unix())
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("write hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close hosts file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace hosts file: %w", err)
	}
	return nil
}

func parseHostLine(text string) (address.Address, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return address.Address{}, address.ErrInvalidAddress
	}
	a, err := address.Parse(fields[0])
	if err != nil {
		return address.Address{}, err
	}
	if len(fields) > 1 {
		services, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return address.Address{}, fmt.Errorf("services: %w", err)
		}
		a = a.WithServices(wire.ServiceFlag(services))
	}
	if len(fields) > 2 {
		unix, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return address.Address{}, fmt.Errorf("timestamp: %w", err)
		}
		a = a.WithTimestamp(time.Unix(unix, 0))
	}
	return a, nil
}
