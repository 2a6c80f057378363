package sqlite

import (
	"context"
	"database/sql"

	gateway "github.com/relaygate/gateway/internal"
	"github.com/relaygate/gateway/internal/storage"
)

func (s *Store) InsertRequestLog(ctx context.Context, l *gateway.RequestLog) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO request_logs
		 (request_id, gateway_key_id, api_type, model, alias, provider, endpoint, status_code, latency_ms,
		  client_ip, user_agent, request_body, request_body_hash, response_body,
		  request_content_type, response_content_type, prompt_tokens, completion_tokens, total_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, nullStr(l.GatewayKeyID), string(l.ApiType), nullStr(l.Model), nullStr(l.Alias),
		nullStr(l.Provider), nullStr(l.Endpoint), intPtrSQL(l.StatusCode), nullInt64(l.LatencyMs),
		nullStr(l.ClientIP), nullStr(l.UserAgent), nullBlob(l.RequestBody), nullStr(l.RequestBodyHash),
		nullBlob(l.ResponseBody), nullStr(l.RequestContentType), nullStr(l.ResponseContentType),
		nullInt64(l.PromptTokens), nullInt64(l.CompletionTokens), nullInt64(l.TotalTokens), timeToStr(l.CreatedAt),
	)
	return err
}

func (s *Store) InsertCacheLog(ctx context.Context, l *gateway.CacheLog) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO cache_log
		 (request_id, source_request_log_id, gateway_key_id, cache_layer, latency_ms, client_ip, user_agent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.SourceRequestLogID, nullStr(l.GatewayKeyID), l.CacheLayer, l.LatencyMs,
		nullStr(l.ClientIP), nullStr(l.UserAgent), timeToStr(l.CreatedAt),
	)
	return err
}

// FindCachedResponse returns the most recent successful response matching
// the given body hash (L2 cache probe, §4.5).
func (s *Store) FindCachedResponse(ctx context.Context, bodyHash string) (*gateway.CachedResponse, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT request_id, status_code, response_body, response_content_type
		 FROM request_logs
		 WHERE request_body_hash = ? AND status_code BETWEEN 200 AND 299 AND response_body IS NOT NULL
		 ORDER BY created_at DESC LIMIT 1`, bodyHash)

	var c gateway.CachedResponse
	var status int
	var body []byte
	var contentType sql.NullString
	if err := row.Scan(&c.SourceRequestLogID, &status, &body, &contentType); err != nil {
		return nil, notFoundErr(err)
	}
	c.StatusCode = status
	c.ResponseBody = body
	c.ResponseContentType = contentType.String
	return &c, nil
}

func (s *Store) ListRequestLogs(ctx context.Context, offset, limit int) ([]*gateway.RequestLog, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT request_id, gateway_key_id, api_type, model, alias, provider, endpoint, status_code, latency_ms,
		  client_ip, user_agent, request_content_type, response_content_type,
		  prompt_tokens, completion_tokens, total_tokens, created_at
		 FROM request_logs ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.RequestLog
	for rows.Next() {
		l, err := scanRequestLogSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) GetRequestLog(ctx context.Context, requestID string) (*gateway.RequestLog, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT request_id, gateway_key_id, api_type, model, alias, provider, endpoint, status_code, latency_ms,
		  client_ip, user_agent, request_body, request_body_hash, response_body,
		  request_content_type, response_content_type, prompt_tokens, completion_tokens, total_tokens, created_at
		 FROM request_logs WHERE request_id=?`, requestID)

	var l gateway.RequestLog
	var gatewayKeyID, model, alias, provider, endpoint sql.NullString
	var apiType string
	var status sql.NullInt64
	var latency sql.NullInt64
	var clientIP, userAgent sql.NullString
	var reqBody, respBody []byte
	var bodyHash sql.NullString
	var reqCT, respCT sql.NullString
	var prompt, completion, total sql.NullInt64
	var createdAt string

	if err := row.Scan(&l.RequestID, &gatewayKeyID, &apiType, &model, &alias, &provider, &endpoint,
		&status, &latency, &clientIP, &userAgent, &reqBody, &bodyHash, &respBody,
		&reqCT, &respCT, &prompt, &completion, &total, &createdAt); err != nil {
		return nil, notFoundErr(err)
	}
	l.GatewayKeyID = gatewayKeyID.String
	l.ApiType = gateway.ApiType(apiType)
	l.Model = model.String
	l.Alias = alias.String
	l.Provider = provider.String
	l.Endpoint = endpoint.String
	l.StatusCode = intPtr(status)
	l.LatencyMs = int64Ptr(latency)
	l.ClientIP = clientIP.String
	l.UserAgent = userAgent.String
	l.RequestBody = reqBody
	l.RequestBodyHash = bodyHash.String
	l.ResponseBody = respBody
	l.RequestContentType = reqCT.String
	l.ResponseContentType = respCT.String
	l.PromptTokens = int64Ptr(prompt)
	l.CompletionTokens = int64Ptr(completion)
	l.TotalTokens = int64Ptr(total)
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

func scanRequestLogSummary(row scanner) (*gateway.RequestLog, error) {
	var l gateway.RequestLog
	var gatewayKeyID, model, alias, provider, endpoint sql.NullString
	var apiType string
	var status sql.NullInt64
	var latency sql.NullInt64
	var clientIP, userAgent sql.NullString
	var reqCT, respCT sql.NullString
	var prompt, completion, total sql.NullInt64
	var createdAt string

	if err := row.Scan(&l.RequestID, &gatewayKeyID, &apiType, &model, &alias, &provider, &endpoint,
		&status, &latency, &clientIP, &userAgent, &reqCT, &respCT, &prompt, &completion, &total, &createdAt); err != nil {
		return nil, err
	}
	l.GatewayKeyID = gatewayKeyID.String
	l.ApiType = gateway.ApiType(apiType)
	l.Model = model.String
	l.Alias = alias.String
	l.Provider = provider.String
	l.Endpoint = endpoint.String
	l.StatusCode = intPtr(status)
	l.LatencyMs = int64Ptr(latency)
	l.ClientIP = clientIP.String
	l.UserAgent = userAgent.String
	l.RequestContentType = reqCT.String
	l.ResponseContentType = respCT.String
	l.PromptTokens = int64Ptr(prompt)
	l.CompletionTokens = int64Ptr(completion)
	l.TotalTokens = int64Ptr(total)
	l.CreatedAt = parseTime(createdAt)
	return &l, nil
}

// Stats computes aggregate counts and token sums grouped by provider and model.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	out := &storage.Stats{ByProvider: map[string]int64{}, ByModel: map[string]int64{}}

	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_logs`).Scan(&out.TotalRequests)
	if err != nil {
		return nil, err
	}
	err = s.read.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM request_logs WHERE status_code IS NULL OR status_code >= 400`).Scan(&out.TotalErrors)
	if err != nil {
		return nil, err
	}
	err = s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM request_logs`).Scan(&out.TotalTokens)
	if err != nil {
		return nil, err
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT provider, COUNT(*) FROM request_logs WHERE provider IS NOT NULL GROUP BY provider`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var provider string
		var n int64
		if err := rows.Scan(&provider, &n); err != nil {
			rows.Close()
			return nil, err
		}
		out.ByProvider[provider] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.read.QueryContext(ctx,
		`SELECT model, COUNT(*) FROM request_logs WHERE model IS NOT NULL GROUP BY model`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var n int64
		if err := rows.Scan(&model, &n); err != nil {
			return nil, err
		}
		out.ByModel[model] = n
	}
	return out, rows.Err()
}

func intPtrSQL(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
