package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TestHandleCreateToken はクライアントトークン発行ハンドラのテスト。
func TestHandleCreateToken(t *testing.T) {
	t.Parallel()

	t.Run("発行時のみ平文トークンが返ること", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		userID := createTestUser(t, s, "token-create")
		cookie := sessionCookieFor(t, userID)

		w := doRequest(s, http.MethodPost, "/api/tokens", cookie, map[string]any{
			"name":        "スマートフォン",
			"device_type": "android",
		})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		result := parseJSON(t, w)
		plaintext, _ := result["token"].(string)
		if plaintext == "" {
			t.Fatal("平文トークンが返されていません")
		}
		if result["name"] != "スマートフォン" {
			t.Errorf("name: got %v, want スマートフォン", result["name"])
		}
		if result["device_type"] != "android" {
			t.Errorf("device_type: got %v, want android", result["device_type"])
		}
		if _, ok := result["token_hash"]; ok {
			t.Error("レスポンスにトークンハッシュが含まれています")
		}

		// 発行された平文でBearer認証できること
		req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
		req.Header.Set("Authorization", "Bearer "+plaintext)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("発行済みトークンでの認証: got %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("device_type省略時はotherになること", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		cookie := sessionCookieFor(t, createTestUser(t, s, "token-default-device"))

		w := doRequest(s, http.MethodPost, "/api/tokens", cookie, map[string]any{"name": "無指定"})

		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusCreated)
		}
		if result := parseJSON(t, w); result["device_type"] != "other" {
			t.Errorf("device_type: got %v, want other", result["device_type"])
		}
	})

	t.Run("名前なしは400になること", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		cookie := sessionCookieFor(t, createTestUser(t, s, "token-no-name"))

		w := doRequest(s, http.MethodPost, "/api/tokens", cookie, map[string]any{"device_type": "gnome"})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("不正なdevice_typeは400になること", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		cookie := sessionCookieFor(t, createTestUser(t, s, "token-bad-device"))

		w := doRequest(s, http.MethodPost, "/api/tokens", cookie, map[string]any{
			"name":        "不正デバイス",
			"device_type": "ios",
		})

		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHandleListTokens はトークン一覧取得ハンドラのテスト。
func TestHandleListTokens(t *testing.T) {
	t.Parallel()

	s := newTestServer(t)
	userID := createTestUser(t, s, "token-list")
	otherID := createTestUser(t, s, "token-list-other")
	cookie := sessionCookieFor(t, userID)

	createTestToken(t, s, userID, "自分のトークン")
	createTestToken(t, s, otherID, "他人のトークン")

	w := doRequest(s, http.MethodGet, "/api/tokens", cookie, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	var items []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &items); err != nil {
		t.Fatalf("JSONのデコードに失敗: %v, body=%s", err, w.Body.String())
	}
	if len(items) != 1 {
		t.Fatalf("一覧の長さ: got %d, want 1", len(items))
	}
	item := items[0]
	if item["name"] != "自分のトークン" {
		t.Errorf("name: got %v, want 自分のトークン", item["name"])
	}
	if _, ok := item["token"]; ok {
		t.Error("一覧に平文トークンが含まれています")
	}
	if _, ok := item["token_hash"]; ok {
		t.Error("一覧にトークンハッシュが含まれています")
	}
}

// TestHandleRevokeToken はトークン失効ハンドラのテスト。
func TestHandleRevokeToken(t *testing.T) {
	t.Parallel()

	t.Run("失効したトークンでは認証できないこと", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		userID := createTestUser(t, s, "token-revoke")
		cookie := sessionCookieFor(t, userID)
		tokenID, plaintext := createTestToken(t, s, userID, "失効対象")

		w := doRequest(s, http.MethodDelete, "/api/tokens/"+tokenID, cookie, nil)
		if w.Code != http.StatusNoContent {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusNoContent)
		}

		req := httptest.NewRequest(http.MethodGet, "/api/notifications", nil)
		req.Header.Set("Authorization", "Bearer "+plaintext)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("失効後の認証: got %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("他ユーザーのトークンの失効は404になること", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		ownerID := createTestUser(t, s, "token-revoke-owner")
		intruderID := createTestUser(t, s, "token-revoke-intruder")
		tokenID, _ := createTestToken(t, s, ownerID, "他人のトークン")

		w := doRequest(s, http.MethodDelete, "/api/tokens/"+tokenID, sessionCookieFor(t, intruderID), nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})

	t.Run("存在しないトークンの失効は404になること", func(t *testing.T) {
		t.Parallel()
		s := newTestServer(t)
		cookie := sessionCookieFor(t, createTestUser(t, s, "token-revoke-missing"))

		w := doRequest(s, http.MethodDelete, "/api/tokens/no-such-token", cookie, nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}
