/*
Package log provides structured logging via zerolog: a global logger
initialized once at process start, plus component-scoped child loggers for
shards, transactions, and nodes.

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	shardLog := log.WithComponent("applier").With().Str("shard", "1").Logger()
	shardLog.Info().Msg("applier loop started")

	log.Errorf("coordinator: failed to append abort record to shard 2", err)

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
*/
package log
