package ipserver

import (
	"encoding/json"
	"fmt"

	hap "github.com/go-hap/hapcore"
	"github.com/go-hap/hapcore/capability"
)

// Listen opens listener on the given interface/port, accepting every
// incoming connection as a fresh, unverified session and driving it
// through NewConn. It returns once the listener reports it is open;
// callers stop serving by calling listener.Close directly.
func Listen(listener capability.TCPListener, srv *Server, iface string, port uint16, ordinalOf func(iid uint64) int) error {
	return listener.Open(iface, port, func(tcp capability.TCPConn) {
		sess := srv.HAP.NewSessionFor(hap.TransportIP, ordinalOf)
		conn, err := NewConn(tcp, srv, sess)
		if err != nil {
			srv.Logger.WithField("transport", "ip").WithError(err).Error("accept: set readiness callback")
			srv.HAP.CloseSession(sess.ID)
			return
		}
		srv.HAP.Notifier.Attach(sess, conn)
	})
}

// eventBody is the JSON shape a HAP event notification carries, the
// same characteristics array PUT /characteristics accepts but without
// a request body wrapper, per spec.md §4.K "unsolicited events".
type eventBody struct {
	Characteristics []writeResult `json:"characteristics"`
}

// DeliverEvent implements hap.EventSink by framing ev as an "EVENT/1.0
// 200 OK" message onto the control channel, HAP's unsolicited-push
// variant of the ordinary HTTP response framing.
func (c *Conn) DeliverEvent(ev hap.Event) error {
	ch, _, _ := c.server.HAP.FindCharacteristic(ev.AID, ev.IID)
	if ch == nil {
		return fmt.Errorf("ipserver: deliver event: unknown characteristic %d.%d", ev.AID, ev.IID)
	}
	jv, err := valueToJSON(ch.Format, ev.Value)
	if err != nil {
		return err
	}
	body, err := json.Marshal(eventBody{Characteristics: []writeResult{{AID: ev.AID, IID: ev.IID, Status: int(hap.StatusSuccess), Value: jv}}})
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("EVENT/1.0 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n", contentTypeHAPJSON, len(body))
	framed := []byte(msg)
	framed = append(framed, body...)

	if !c.sess.Active {
		return fmt.Errorf("ipserver: cannot deliver event on an unverified session")
	}
	c.enqueue(framed, true)
	return nil
}
