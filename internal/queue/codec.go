// Package queue はワーカーへ渡すタスクエンベロープの符号化・復号を提供します。
package queue

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Envelope はキュー経由でワーカーへ渡すタスク情報です。
// ワーカーが必要とするフィールドのみを運び、本文のバイト列は含みません。
type Envelope struct {
	JobID      string `json:"jobId"`
	DocID      string `json:"docId"`
	OwnerEmail string `json:"ownerEmail"`
	CreatedAt  string `json:"createdAt"`
	Attempt    int    `json:"attempt"`

	// タスク種別ごとの追加フィールド
	RequestedFormat string `json:"requestedFormat,omitempty"` // export
	Pages           string `json:"pages,omitempty"`           // ocr
}

// DecodeError は復号不能なキューメッセージを表します。
// このエラーが返った場合、ジョブを特定する手がかりが無いため
// 呼び出し側は状態を書き換えずにメッセージを破棄します。
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("queue message decode failed: %s", e.Reason)
}

// Encode はエンベロープをトランスポート安全な文字列（JSONのbase64）に符号化します。
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("envelope is nil")
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(body)))
	base64.StdEncoding.Encode(encoded, body)
	return encoded, nil
}

// Decode はトランスポートから受け取った生のメッセージをエンベロープへ復号します。
// トランスポートやエミュレーターの差異を吸収するため、次の3形態を受け付けます。
//  1. 既に復号済みのオブジェクト（*Envelope, Envelope, map[string]any）
//  2. JSON文字列
//  3. JSONをbase64符号化した文字列
//
// いずれにも当てはまらない場合は *DecodeError を返します。
func Decode(raw any) (*Envelope, error) {
	switch v := raw.(type) {
	case nil:
		return nil, &DecodeError{Reason: "message is nil"}
	case *Envelope:
		return v, nil
	case Envelope:
		return &v, nil
	case map[string]any:
		return decodeObject(v)
	case []byte:
		return decodeString(v)
	case string:
		return decodeString([]byte(v))
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unsupported message type %T", raw)}
	}
}

func decodeObject(obj map[string]any) (*Envelope, error) {
	body, err := json.Marshal(obj)
	if err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	return &env, nil
}

func decodeString(raw []byte) (*Envelope, error) {
	// まず base64 → JSON を試し、失敗したら素のJSONとして解釈する
	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(raw)))
	if n, err := base64.StdEncoding.Decode(decoded, raw); err == nil {
		var env Envelope
		if err := json.Unmarshal(decoded[:n], &env); err == nil {
			return &env, nil
		}
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	return &env, nil
}
