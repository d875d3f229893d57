// Package feed moves trades from the transaction fetcher through the price
// ladder and out to consumers.
//
// Data flow:
//
//	Source (Kafka topic | WebSocket) -> Pricer.Accept -> Queue -> Pricer flush -> ResolveBatch -> Sink (Kafka topic | log)
//
// Trades are JSON TradeRecords. Duplicate trade IDs are dropped before
// queuing. The pricer flushes when a batch fills or the flush interval
// elapses, and emits one PricedTrade per trade whatever the confidence.
package feed
