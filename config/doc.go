// Package config loads the dispatcher process configuration from the
// environment, after reading an optional .env file.
//
//	MMATE_TRANSPORT=redis
//	MMATE_REDIS_ADDR=localhost:6379
//	MMATE_CONNECTIONS=orders=orders:PlaceOrder:4:3:10;audit=audit:OrderPlaced:1
//
// Each connection entry is name=channel:requestType:performers followed by
// the optional requeue count (default -1, unlimited), unacceptable message
// limit (default 0, unlimited) and the async flag.
package config
