package cache

// Bus topics. Raw topics are produced by the external feed; enriched topics
// are produced by the worker pool and consumed by gateway instances.
const (
	TopicRawUnderlying  = "market:underlying"
	TopicRawOptionChain = "market:option_chain"
	TopicRawOptionQuote = "market:option_quote"

	TopicEnrichedUnderlying = "enriched:underlying"
	TopicEnrichedChain      = "enriched:option_chain"
)
