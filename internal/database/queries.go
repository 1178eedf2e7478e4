/**
 * Copyright 2025-present Coinbase Global, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *  http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package database

const (
	// Tenant queries
	queryInsertTenant = `
		INSERT OR IGNORE INTO tenants (id, name) VALUES (?, ?)`

	queryGetTenant = `
		SELECT id, name, created_at FROM tenants WHERE id = ?`

	// Connection queries
	connectionColumns = `
		id, tenant_id, provider_id, status, institution_name, oauth_state,
		consecutive_failures, last_error, last_sync_at, reconnected_from,
		reconnect_confidence, deleted, created_at, updated_at`

	queryInsertConnection = `
		INSERT INTO connections (id, tenant_id, provider_id, status, institution_name)
		VALUES (?, ?, ?, ?, ?)`

	queryGetConnection = `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE id = ? AND deleted = 0`

	queryListTenantConnections = `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE tenant_id = ? AND deleted = 0
		ORDER BY created_at`

	queryListDueConnections = `
		SELECT ` + connectionColumns + `
		FROM connections
		WHERE status = 'active' AND deleted = 0
		  AND (last_sync_at IS NULL OR last_sync_at < ?)
		ORDER BY last_sync_at`

	querySetOAuthState = `
		UPDATE connections
		SET oauth_state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = 0`

	queryConsumeOAuthState = `
		UPDATE connections
		SET oauth_state = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND oauth_state = ? AND oauth_state != '' AND deleted = 0`

	queryActivateConnection = `
		UPDATE connections
		SET status = 'active', institution_name = ?, last_error = '',
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = 0`

	queryRecordSyncSuccess = `
		UPDATE connections
		SET status = 'active', consecutive_failures = 0, last_error = '',
		    last_sync_at = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = 0`

	queryRecordSyncFailure = `
		UPDATE connections
		SET status = 'error', consecutive_failures = consecutive_failures + 1,
		    last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = 0`

	queryMarkReconnected = `
		UPDATE connections
		SET reconnected_from = ?, reconnect_confidence = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND deleted = 0`

	querySoftDeleteConnection = `
		UPDATE connections
		SET deleted = 1, status = 'error', oauth_state = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	// Credential queries
	credentialColumns = `
		id, tenant_id, connection_id, provider_id, access_token, refresh_token,
		expires_at, scope, provider_user_id, metadata, last_used_at, updated_at`

	queryGetCredential = `
		SELECT ` + credentialColumns + `
		FROM provider_credentials
		WHERE connection_id = ? AND provider_id = ?`

	queryUpsertCredential = `
		INSERT INTO provider_credentials (
			id, tenant_id, connection_id, provider_id, access_token, refresh_token,
			expires_at, scope, provider_user_id, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(connection_id, provider_id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE WHEN excluded.refresh_token != '' THEN excluded.refresh_token ELSE provider_credentials.refresh_token END,
			expires_at = excluded.expires_at,
			scope = CASE WHEN excluded.scope != '' THEN excluded.scope ELSE provider_credentials.scope END,
			provider_user_id = CASE WHEN excluded.provider_user_id != '' THEN excluded.provider_user_id ELSE provider_credentials.provider_user_id END,
			metadata = CASE WHEN excluded.metadata != '' THEN excluded.metadata ELSE provider_credentials.metadata END,
			updated_at = CURRENT_TIMESTAMP`

	queryTouchCredential = `
		UPDATE provider_credentials
		SET last_used_at = CURRENT_TIMESTAMP
		WHERE connection_id = ? AND provider_id = ?`

	// Account queries
	accountColumns = `
		id, tenant_id, connection_id, provider_id, external_account_id, name,
		account_type, currency, balance, account_number, iban, status,
		created_at, updated_at`

	queryGetAccountByExternalId = `
		SELECT id, status FROM accounts
		WHERE connection_id = ? AND provider_id = ? AND external_account_id = ?`

	queryInsertAccount = `
		INSERT INTO accounts (
			id, tenant_id, connection_id, provider_id, external_account_id, name,
			account_type, currency, balance, account_number, iban, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 'active')`

	queryUpdateAccount = `
		UPDATE accounts
		SET name = ?, balance = ?, account_number = ?, iban = ?,
		    status = 'active', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	queryUpsertProviderAccount = `
		INSERT INTO provider_accounts (
			id, connection_id, provider_id, external_account_id, account_id, raw_payload, fetched_at
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(connection_id, provider_id, external_account_id) DO UPDATE SET
			account_id = excluded.account_id,
			raw_payload = excluded.raw_payload,
			fetched_at = CURRENT_TIMESTAMP`

	queryGetAccount = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE id = ?`

	queryListConnectionAccounts = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE connection_id = ?
		ORDER BY created_at`

	queryListSiblingAccounts = `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE tenant_id = ? AND provider_id = ? AND connection_id != ?
		ORDER BY created_at`

	queryReassignAccounts = `
		UPDATE accounts
		SET connection_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE connection_id = ?`

	queryReassignProviderAccounts = `
		UPDATE provider_accounts
		SET connection_id = ?
		WHERE connection_id = ?`

	// The external key embeds the connection id, so it is rewritten along
	// with the ownership: a post-reconnection refetch of a preserved
	// transaction must land on the preserved row, not create a duplicate.
	queryReassignTransactions = `
		UPDATE transactions
		SET connection_id = ?,
		    external_key = REPLACE(external_key, ?, ?),
		    updated_at = CURRENT_TIMESTAMP
		WHERE connection_id = ?`

	// Transaction queries
	queryGetTransactionByKey = `
		SELECT id FROM transactions WHERE external_key = ? LIMIT 1`

	queryInsertNormalizedTransaction = `
		INSERT INTO transactions (
			id, tenant_id, connection_id, account_id, external_key,
			external_transaction_id, amount, currency, transaction_type,
			description, category, booked_at, job_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	queryUpdateNormalizedTransaction = `
		UPDATE transactions
		SET amount = ?, currency = ?, transaction_type = ?, description = ?,
		    category = ?, booked_at = ?, job_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	// Ingestion job queries
	jobColumns = `
		id, tenant_id, connection_id, job_type, status, fetched, imported,
		failed, summary, started_at, finished_at`

	queryInsertJob = `
		INSERT INTO ingestion_jobs (id, tenant_id, connection_id, job_type, status)
		VALUES (?, ?, ?, ?, 'running')`

	queryFinalizeJob = `
		UPDATE ingestion_jobs
		SET status = ?, fetched = ?, imported = ?, failed = ?, summary = ?,
		    finished_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running'`

	queryGetJob = `
		SELECT ` + jobColumns + `
		FROM ingestion_jobs
		WHERE id = ?`

	queryListConnectionJobs = `
		SELECT ` + jobColumns + `
		FROM ingestion_jobs
		WHERE connection_id = ?
		ORDER BY started_at DESC
		LIMIT ?`

	// Connection history queries
	queryInsertConnectionEvent = `
		INSERT INTO connection_history (id, connection_id, event_type, details)
		VALUES (?, ?, ?, ?)`

	queryListConnectionEvents = `
		SELECT id, connection_id, event_type, details, created_at
		FROM connection_history
		WHERE connection_id = ?
		ORDER BY created_at DESC
		LIMIT ?`
)
