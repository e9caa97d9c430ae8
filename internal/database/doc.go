// Copyright 2026 AI Provider Proxy Authors.
// Use of this source code is governed by an MIT-style license.

/*
Package database provides GORM-backed connection pool management: pool
tuning, background health checks, statistics, and transaction retry.

# Overview

PoolManager wraps a *gorm.DB and its underlying database/sql pool,
centralizing connection lifecycle, idle reclamation, and max-connection
limits. A background loop pings the database on an interval and logs
failures through zap. The gateway's composition root builds one PoolManager
around the provider configuration database so providerrepo's repository
methods run against a tuned, monitored pool, and its bulk operations
(SetPrimaryProvider, BulkUpdateProviders, BulkSetActive) get transparent
retry on transient failures.

# Core types

  - PoolManager: the pool manager. Holds the GORM DB and its sql.DB,
    exposing DB(), Ping(), Stats(), GetStats(), Close(), WithTransaction,
    and WithTransactionRetry.
  - PoolConfig: pool tuning — max idle connections, max open connections,
    connection max lifetime, max idle time, and health check interval.
  - PoolStats: a friendlier, JSON-tagged view of sql.DBStats for the
    admin surface.
  - TransactionFunc: one unit of work run inside a transaction.

# Capabilities

  - Pool tuning: MaxIdleConns/MaxOpenConns/ConnMaxLifetime/ConnMaxIdleTime
    applied directly to the underlying database/sql pool.
  - Health checks: a background loop pings on HealthCheckInterval and logs
    open/in-use/idle counts.
  - Transactions: WithTransaction runs one transaction; WithTransactionRetry
    adds exponential backoff retry for deadlocks, serialization failures,
    and dropped connections.
  - Statistics: GetStats returns a structured view of pool usage.
*/
package database
