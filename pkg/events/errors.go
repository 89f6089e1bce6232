package events

import "errors"

// ErrChannelFull is returned by ChannelPublisher when its buffer is full.
var ErrChannelFull = errors.New("events: channel publisher buffer full")
