package services

import "time"

// NoopMetrics discards every measurement.
type NoopMetrics struct{}

func (NoopMetrics) SetActiveConnections(int)                         {}
func (NoopMetrics) SetActiveRooms(int)                               {}
func (NoopMetrics) SetActiveTransports(int)                          {}
func (NoopMetrics) SetActiveProducers(int)                           {}
func (NoopMetrics) SetActiveConsumers(int)                           {}
func (NoopMetrics) ObserveSignalRequest(string, bool, time.Duration) {}
func (NoopMetrics) IncCannotConsume()                                {}
func (NoopMetrics) IncRoomsReaped(int)                               {}
