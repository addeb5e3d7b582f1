package notify

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

const DefaultSubject = "loyalty.session.changed"

type NATS struct {
	conn    *nats.Conn
	subject string
	origin  origin
}

func ConnectNATS(url, subject string) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("loyalty-session"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNATS(conn, subject), nil
}

func NewNATS(conn *nats.Conn, subject string) *NATS {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATS{conn: conn, subject: subject, origin: newOrigin()}
}

func (n *NATS) Publish(_ context.Context, key string) error {
	if err := n.conn.Publish(n.subject, []byte(n.origin.encode(key))); err != nil {
		return fmt.Errorf("publish %s: %w", n.subject, err)
	}
	return nil
}

func (n *NATS) Listen(ctx context.Context, fn func(key string)) error {
	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		if key, external := n.origin.decode(string(msg.Data)); external {
			fn(key)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", n.subject, err)
	}
	defer sub.Unsubscribe()

	<-ctx.Done()
	return nil
}

func (n *NATS) Close() error {
	n.conn.Close()
	return nil
}
