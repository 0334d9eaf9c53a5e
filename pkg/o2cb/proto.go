// Package o2cb speaks the line-oriented control protocol between the
// volume tools and the cluster-control daemon, and reads the cluster
// layout configuration the daemon is driven by. Lines are fixed 256-byte
// records; a list response is ITEMCOUNT, exactly that many ITEMs, then
// STATUS 0 OK.
package o2cb

/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

// LineLen is the fixed on-wire size of every protocol line.
const LineLen = 256

// Protocol commands.
const (
	CmdMount        = "MOUNT"
	CmdMResult      = "MRESULT"
	CmdUnmount      = "UNMOUNT"
	CmdStatus       = "STATUS"
	CmdListFS       = "LISTFS"
	CmdListMounts   = "LISTMOUNTS"
	CmdListClusters = "LISTCLUSTERS"
	CmdItemCount    = "ITEMCOUNT"
	CmdItem         = "ITEM"
	CmdDump         = "DUMP"
)

// Status is the terminal line of every exchange.
type Status struct {
	Errno int
	Msg   string
}

func (s Status) OK() bool { return s.Errno == 0 }

// writeLine pads one space-joined record to LineLen and writes it whole,
// retrying short writes and EINTR; any other failure is surfaced as EPIPE
// so the caller drops the connection.
func writeLine(w io.Writer, fields ...string) error {
	line := strings.Join(fields, " ")
	if len(line) >= LineLen {
		return errors.Errorf("protocol line %q exceeds %d bytes", line, LineLen)
	}
	buf := make([]byte, LineLen)
	copy(buf, line)
	for off := 0; off < len(buf); {
		n, err := w.Write(buf[off:])
		off += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return errors.Wrapf(syscall.EPIPE, "writing %s: %v", fields[0], err)
		}
	}
	return nil
}

// readLine reads exactly LineLen bytes and splits the record.
func readLine(r io.Reader) ([]string, error) {
	buf := make([]byte, LineLen)
	for off := 0; off < len(buf); {
		n, err := r.Read(buf[off:])
		off += n
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			if err == io.EOF && off == 0 {
				return nil, io.EOF
			}
			if err == io.EOF && off < len(buf) {
				return nil, errors.Wrap(syscall.EPIPE, "short protocol read")
			}
			if off < len(buf) {
				return nil, errors.Wrapf(syscall.EPIPE, "protocol read: %v", err)
			}
		}
	}
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return strings.Fields(string(buf[:end])), nil
}

func readStatus(r io.Reader) (Status, error) {
	fields, err := readLine(r)
	if err != nil {
		return Status{}, err
	}
	if len(fields) < 2 || fields[0] != CmdStatus {
		return Status{}, errors.Wrapf(syscall.EPIPE, "expected STATUS, got %v", fields)
	}
	errno, err := strconv.Atoi(fields[1])
	if err != nil {
		return Status{}, errors.Wrapf(syscall.EPIPE, "bad STATUS errno %q", fields[1])
	}
	return Status{Errno: errno, Msg: strings.Join(fields[2:], " ")}, nil
}

// Client drives one connection to the control daemon.
type Client struct {
	rw io.ReadWriter
}

// NewClient wraps an established daemon connection.
func NewClient(rw io.ReadWriter) *Client { return &Client{rw: rw} }

// Mount asks the daemon to admit a mount of device at mountpoint.
func (c *Client) Mount(fsType, uuid, cluster, device, mountpoint string) (Status, error) {
	if err := writeLine(c.rw, CmdMount, fsType, uuid, cluster, device, mountpoint); err != nil {
		return Status{}, err
	}
	return readStatus(c.rw)
}

// MountResult reports the mount(2) return code back to the daemon.
func (c *Client) MountResult(fsType, uuid string, rc int, mountpoint string) (Status, error) {
	if err := writeLine(c.rw, CmdMResult, fsType, uuid, strconv.Itoa(rc), mountpoint); err != nil {
		return Status{}, err
	}
	return readStatus(c.rw)
}

// Unmount tells the daemon the mountpoint is going away.
func (c *Client) Unmount(fsType, uuid, mountpoint string) (Status, error) {
	if err := writeLine(c.rw, CmdUnmount, fsType, uuid, mountpoint); err != nil {
		return Status{}, err
	}
	return readStatus(c.rw)
}

// list runs one ITEMCOUNT/ITEM/STATUS exchange.
func (c *Client) list(cmd string) ([]string, error) {
	if err := writeLine(c.rw, cmd); err != nil {
		return nil, err
	}
	fields, err := readLine(c.rw)
	if err != nil {
		return nil, err
	}
	if len(fields) != 2 || fields[0] != CmdItemCount {
		return nil, errors.Wrapf(syscall.EPIPE, "expected ITEMCOUNT, got %v", fields)
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n < 0 {
		return nil, errors.Wrapf(syscall.EPIPE, "bad ITEMCOUNT %q", fields[1])
	}
	items := make([]string, 0, n)
	for i := 0; i < n; i++ {
		fields, err := readLine(c.rw)
		if err != nil {
			return nil, err
		}
		if len(fields) < 1 || fields[0] != CmdItem {
			return nil, errors.Wrapf(syscall.EPIPE, "expected ITEM, got %v", fields)
		}
		items = append(items, strings.Join(fields[1:], " "))
	}
	status, err := readStatus(c.rw)
	if err != nil {
		return nil, err
	}
	if !status.OK() {
		return nil, errors.Errorf("daemon: %s", status.Msg)
	}
	return items, nil
}

// ListFS enumerates the filesystem types the daemon manages.
func (c *Client) ListFS() ([]string, error) { return c.list(CmdListFS) }

// ListMounts enumerates active cluster mounts.
func (c *Client) ListMounts() ([]string, error) { return c.list(CmdListMounts) }

// ListClusters enumerates configured clusters.
func (c *Client) ListClusters() ([]string, error) { return c.list(CmdListClusters) }

// Dump asks for the daemon's debug state.
func (c *Client) Dump() ([]string, error) {
	if err := writeLine(c.rw, CmdDump); err != nil {
		return nil, err
	}
	var lines []string
	for {
		fields, err := readLine(c.rw)
		if err != nil {
			return nil, err
		}
		if len(fields) > 0 && fields[0] == CmdStatus {
			return lines, nil
		}
		lines = append(lines, strings.Join(fields, " "))
	}
}

// Handler is the daemon half of the protocol.
type Handler interface {
	Mount(fsType, uuid, cluster, device, mountpoint string) Status
	MountResult(fsType, uuid string, rc int, mountpoint string) Status
	Unmount(fsType, uuid, mountpoint string) Status
	ListFS() []string
	ListMounts() []string
	ListClusters() []string
}

// Serve dispatches requests from rw against h until EOF or a protocol
// fault.
func Serve(rw io.ReadWriter, h Handler) error {
	for {
		fields, err := readLine(rw)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case CmdMount:
			if len(fields) != 6 {
				if err := writeStatus(rw, Status{Errno: int(syscall.EINVAL), Msg: "bad MOUNT"}); err != nil {
					return err
				}
				continue
			}
			if err := writeStatus(rw, h.Mount(fields[1], fields[2], fields[3], fields[4], fields[5])); err != nil {
				return err
			}
		case CmdMResult:
			if len(fields) != 5 {
				if err := writeStatus(rw, Status{Errno: int(syscall.EINVAL), Msg: "bad MRESULT"}); err != nil {
					return err
				}
				continue
			}
			rc, aerr := strconv.Atoi(fields[3])
			if aerr != nil {
				if err := writeStatus(rw, Status{Errno: int(syscall.EINVAL), Msg: "bad MRESULT rc"}); err != nil {
					return err
				}
				continue
			}
			if err := writeStatus(rw, h.MountResult(fields[1], fields[2], rc, fields[4])); err != nil {
				return err
			}
		case CmdUnmount:
			if len(fields) != 4 {
				if err := writeStatus(rw, Status{Errno: int(syscall.EINVAL), Msg: "bad UNMOUNT"}); err != nil {
					return err
				}
				continue
			}
			if err := writeStatus(rw, h.Unmount(fields[1], fields[2], fields[3])); err != nil {
				return err
			}
		case CmdListFS:
			if err := writeList(rw, h.ListFS()); err != nil {
				return err
			}
		case CmdListMounts:
			if err := writeList(rw, h.ListMounts()); err != nil {
				return err
			}
		case CmdListClusters:
			if err := writeList(rw, h.ListClusters()); err != nil {
				return err
			}
		default:
			if err := writeStatus(rw, Status{Errno: int(syscall.EINVAL), Msg: fmt.Sprintf("unknown command %q", fields[0])}); err != nil {
				return err
			}
		}
	}
}

func writeStatus(w io.Writer, s Status) error {
	return writeLine(w, CmdStatus, strconv.Itoa(s.Errno), s.Msg)
}

func writeList(w io.Writer, items []string) error {
	if err := writeLine(w, CmdItemCount, strconv.Itoa(len(items))); err != nil {
		return err
	}
	for _, it := range items {
		if err := writeLine(w, CmdItem, it); err != nil {
			return err
		}
	}
	return writeStatus(w, Status{Errno: 0, Msg: "OK"})
}
