// SPDX-License-Identifier: GPL-3.0-or-later

package cac

import (
	"log/slog"
	"net/netip"
)

// logAddr formats a server address as a structured logging attribute,
// shared by the beacon, search, and circuit log call sites.
func logAddr(addr netip.Addr) slog.Attr {
	return slog.String("addr", addr.String())
}

// errAttr formats an error (possibly nil) as a structured logging
// attribute.
func errAttr(err error) slog.Attr {
	return slog.Any("err", err)
}
