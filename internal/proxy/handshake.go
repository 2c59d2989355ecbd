package proxy

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/dbbouncer/pgproxy/internal/wire"
)

// negotiateStartup drives the untagged preamble of a new frontend
// connection: any number of SSLRequest/GSSEncRequest probes followed
// by either a CancelRequest or a real StartupMessage. SSL is accepted
// whenever tlsCfg is configured for this listener and refused
// otherwise; GSSEnc is always refused, since the proxy implements no
// GSSAPI transport. Returns the negotiated wire.Conn (already upgraded
// to TLS if negotiated) and the parsed Startup.
func negotiateStartup(conn net.Conn, tlsCfg *tls.Config) (*wire.Conn, wire.Startup, error) {
	wc := wire.NewConn(conn, true)

	for {
		msg, err := wc.Recv()
		if err != nil {
			return nil, wire.Startup{}, fmt.Errorf("reading startup message: %w", err)
		}
		su, err := wire.ParseStartup(msg.Body)
		if err != nil {
			return nil, wire.Startup{}, fmt.Errorf("parsing startup message: %w", err)
		}

		switch su.Kind {
		case wire.SSLRequestKind:
			if tlsCfg == nil {
				if _, err := conn.Write([]byte{'N'}); err != nil {
					return nil, wire.Startup{}, fmt.Errorf("refusing SSL: %w", err)
				}
				continue
			}
			if _, err := conn.Write([]byte{'S'}); err != nil {
				return nil, wire.Startup{}, fmt.Errorf("accepting SSL: %w", err)
			}
			if err := wc.UpgradeTLS(tlsCfg); err != nil {
				return nil, wire.Startup{}, err
			}
			continue

		case wire.GSSEncRequestKind:
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return nil, wire.Startup{}, fmt.Errorf("refusing GSSEnc: %w", err)
			}
			continue

		case wire.CancelRequestKind:
			wc.DoneWithUntagged()
			return wc, su, nil

		case wire.StartupMessageKind:
			wc.DoneWithUntagged()
			return wc, su, nil

		default:
			return nil, wire.Startup{}, fmt.Errorf("unhandled startup kind %d", su.Kind)
		}
	}
}
