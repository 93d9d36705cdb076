// Package transports imports all built-in transports for auto-registration.
// Import it for its side effects before building a transport from config.
package transports

import (
	_ "github.com/drblury/recordflow/transport/aws"
	_ "github.com/drblury/recordflow/transport/channel"
	_ "github.com/drblury/recordflow/transport/jetstream"
	_ "github.com/drblury/recordflow/transport/kafka"
	_ "github.com/drblury/recordflow/transport/nats"
	_ "github.com/drblury/recordflow/transport/postgres"
	_ "github.com/drblury/recordflow/transport/rabbitmq"
)
