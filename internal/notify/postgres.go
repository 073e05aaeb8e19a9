package notify

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres sends hints with pg_notify and receives them with LISTEN.
type Postgres struct {
	pool    *pgxpool.Pool
	channel string
}

func NewPostgres(pool *pgxpool.Pool, channel string) *Postgres {
	return &Postgres{pool: pool, channel: NormalizeChannel(channel)}
}

func (n *Postgres) Notify(ctx context.Context, taskGroup string) error {
	_, err := n.pool.Exec(ctx, "SELECT pg_notify($1, $2)", n.channel, taskGroup)
	return err
}

// Listen holds one pool connection until ctx is done.
func (n *Postgres) Listen(ctx context.Context, wake func()) error {
	conn, err := n.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wake()
	}
}
