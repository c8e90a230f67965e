package client

import (
	"context"
	"encoding/json"
	"fmt"

	"session-key-service/pkg/envelope"
)

// Session は確立済みのセッション鍵で保護ルートを呼び出す。
type Session struct {
	client    *Client
	namespace Namespace
	id        string
	key       string
	codec     *envelope.Codec
}

// Do は in をエンベロープ化して path にPOSTし、復号したレスポンスを out にデコードする。
// out が nil の場合はレスポンスの復号だけを行う。
func (s *Session) Do(ctx context.Context, path string, in, out interface{}) error {
	payload, err := s.codec.Seal(in, s.key)
	if err != nil {
		return err
	}

	body := map[string]string{
		s.namespace.identityField(): s.id,
		"payload":                   payload,
	}
	var resp struct {
		Payload string `json:"payload"`
	}
	if err := s.client.post(ctx, path, body, &resp); err != nil {
		return err
	}

	if out == nil {
		var discard json.RawMessage
		out = &discard
	}
	if err := s.codec.Open(resp.Payload, s.key, out); err != nil {
		return fmt.Errorf("opening response: %w", err)
	}
	return nil
}
