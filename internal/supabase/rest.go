package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const (
	restPrefix = "/rest/v1/"
	// singleObjectMediaType は結果を単一オブジェクトで受け取るためのAcceptヘッダー。
	// 0行または複数行の場合、ストアはPGRST116を返す。
	singleObjectMediaType = "application/vnd.pgrst.object+json"
)

// Eq はカラムの等値フィルターを生成する。
func Eq(value string) string {
	return "eq." + value
}

// Select はテーブルから行を取得してoutにデコードする。
// singleがtrueの場合は単一オブジェクトとして取得する。
func (c *Client) Select(ctx context.Context, table string, query url.Values, single bool, out any) error {
	req := request{
		method: http.MethodGet,
		path:   restPrefix + table,
		query:  query,
		token:  AccessTokenFromContext(ctx),
	}
	if single {
		req.headers = map[string]string{"Accept": singleObjectMediaType}
	}
	return c.exec(ctx, req, out)
}

// Insert はテーブルに行を挿入し、挿入結果をoutにデコードする。
func (c *Client) Insert(ctx context.Context, table string, rows any, single bool, out any) error {
	req := request{
		method:  http.MethodPost,
		path:    restPrefix + table,
		body:    rows,
		token:   AccessTokenFromContext(ctx),
		headers: map[string]string{"Prefer": "return=representation"},
	}
	if single {
		req.headers["Accept"] = singleObjectMediaType
	}
	return c.exec(ctx, req, out)
}

// Update はqueryに一致する行をpatchで更新し、更新結果をoutにデコードする。
// 一致する行がない場合に挿入することはない。
func (c *Client) Update(ctx context.Context, table string, query url.Values, patch any, single bool, out any) error {
	req := request{
		method:  http.MethodPatch,
		path:    restPrefix + table,
		query:   query,
		body:    patch,
		token:   AccessTokenFromContext(ctx),
		headers: map[string]string{"Prefer": "return=representation"},
	}
	if single {
		req.headers["Accept"] = singleObjectMediaType
	}
	return c.exec(ctx, req, out)
}

// RPC はストアに定義された関数を呼び出す。
func (c *Client) RPC(ctx context.Context, fn string, args any, out any) error {
	if args == nil {
		args = map[string]any{}
	}
	req := request{
		method: http.MethodPost,
		path:   restPrefix + "rpc/" + fn,
		body:   args,
		token:  AccessTokenFromContext(ctx),
	}
	return c.exec(ctx, req, out)
}

// exec はテーブルAPIのリクエストを実行し、エラーレスポンスをAPIErrorに変換する。
func (c *Client) exec(ctx context.Context, req request, out any) error {
	resp, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if resp.status >= 400 {
		return parseAPIError(resp.status, resp.body)
	}
	if out == nil || len(resp.body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", req.path, err)
	}
	return nil
}
