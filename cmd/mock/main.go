package main

import (
	crand "crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

// mock 商城：给引擎联调用。登录/刷新签发 JWT 形状的 token，
// 列表按波次放货，购买按库存/余额/限流给出四种结局。
type mockItem struct {
	ID    int64   `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
	Stock int     `json:"stock"`
}

type mockState struct {
	mu       sync.Mutex
	items    []*mockItem
	balances map[string]float64
	refresh  map[string]string // refreshToken -> username

	balance float64
	p429    int
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	wave := flag.Duration("wave", 30*time.Second, "restock interval")
	balance := flag.Float64("balance", 50, "starting balance per account")
	p429 := flag.Int("p429", 10, "percent of buy requests answered with 429")
	flag.Parse()

	st := &mockState{
		balances: make(map[string]float64),
		refresh:  make(map[string]string),
		balance:  *balance,
		p429:     *p429,
	}
	go st.restockLoop(*wave)

	mux := http.NewServeMux()
	mux.HandleFunc("/mock/health", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/auth/login", st.handleLogin)
	mux.HandleFunc("/api/auth/refresh", st.handleRefresh)
	mux.HandleFunc("/api/items", st.handleList)
	mux.HandleFunc("/api/buy", st.handleBuy)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("mock marketplace listening on %s (wave=%s balance=%.0f p429=%d%%)",
		*addr, *wave, *balance, *p429)
	log.Fatal(srv.ListenAndServe())
}

// restockLoop 每个波次放 1~3 件新货，模拟补货瞬间的库存跳变。
func (st *mockState) restockLoop(interval time.Duration) {
	names := []string{"招财纳福牌", "瑞蛇起舞扣", "锦鲤御守", "平安长命锁"}
	for range time.Tick(interval) {
		st.mu.Lock()
		n := 1 + rand.Intn(3)
		for i := 0; i < n; i++ {
			st.items = append(st.items, &mockItem{
				ID:    rand.Int63n(900000000) + 100000000,
				Name:  names[rand.Intn(len(names))],
				Price: float64(1+rand.Intn(30)) / 2,
				Stock: 1 + rand.Intn(3),
			})
		}
		log.Printf("restock: +%d items, %d listed", n, len(st.items))
		st.mu.Unlock()
	}
}

func (st *mockState) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Username == "" || body.Password == "" {
		writeBody(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "用户名或密码错误"})
		return
	}

	st.mu.Lock()
	if _, ok := st.balances[body.Username]; !ok {
		st.balances[body.Username] = st.balance
	}
	rt := "mock_refresh_" + randString(16)
	st.refresh[rt] = body.Username
	st.mu.Unlock()

	writeBody(w, http.StatusOK, map[string]any{
		"code":         0,
		"accessToken":  mockJWT(body.Username, 15*time.Minute),
		"refreshToken": rt,
	})
}

func (st *mockState) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	st.mu.Lock()
	user, ok := st.refresh[body.RefreshToken]
	st.mu.Unlock()
	if !ok {
		writeBody(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "refresh token 无效"})
		return
	}
	writeBody(w, http.StatusOK, map[string]any{
		"code":        0,
		"accessToken": mockJWT(user, 15*time.Minute),
	})
}

func (st *mockState) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if bearerUser(r) == "" {
		writeBody(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "token 失效"})
		return
	}

	st.mu.Lock()
	out := make([]mockItem, 0, len(st.items))
	for _, it := range st.items {
		if it.Stock > 0 {
			out = append(out, *it)
		}
	}
	st.mu.Unlock()

	writeBody(w, http.StatusOK, map[string]any{"data": out, "total": len(out)})
}

func (st *mockState) handleBuy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	user := bearerUser(r)
	if user == "" {
		writeBody(w, http.StatusUnauthorized, map[string]any{"code": 401, "msg": "token 失效"})
		return
	}
	if rand.Intn(100) < st.p429 {
		writeBody(w, http.StatusTooManyRequests, map[string]any{"code": 429, "msg": "请求过于频繁"})
		return
	}

	var body struct {
		ID json.Number `json:"id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	st.mu.Lock()
	defer st.mu.Unlock()

	var item *mockItem
	for _, it := range st.items {
		if it.ID == numToInt64(body.ID) {
			item = it
			break
		}
	}
	if item == nil || item.Stock <= 0 {
		writeBody(w, http.StatusOK, map[string]any{"code": 1001, "msg": "商品已售罄"})
		return
	}
	if st.balances[user] < item.Price {
		writeBody(w, http.StatusOK, map[string]any{"code": 1002, "msg": "余额不足"})
		return
	}

	item.Stock--
	st.balances[user] -= item.Price
	log.Printf("bought: user=%s item=%d price=%.2f balance=%.2f", user, item.ID, item.Price, st.balances[user])
	writeBody(w, http.StatusOK, map[string]any{
		"code":    0,
		"orderId": fmt.Sprintf("mock_%s", randString(12)),
	})
}

// mockJWT 造一个结构完整但签名为假的 JWT，够 token 过期判断用。
func mockJWT(sub string, ttl time.Duration) string {
	enc := func(v any) string {
		b, _ := json.Marshal(v)
		return base64.RawURLEncoding.EncodeToString(b)
	}
	header := enc(map[string]any{"alg": "none", "typ": "JWT"})
	payload := enc(map[string]any{"sub": sub, "exp": time.Now().Add(ttl).Unix()})
	return header + "." + payload + ".mock"
}

func bearerUser(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return ""
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ""
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		Sub string `json:"sub"`
		Exp int64  `json:"exp"`
	}
	if json.Unmarshal(raw, &claims) != nil || claims.Sub == "" {
		return ""
	}
	if claims.Exp != 0 && time.Now().Unix() > claims.Exp {
		return ""
	}
	return claims.Sub
}

func numToInt64(n json.Number) int64 {
	v, _ := n.Int64()
	return v
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func randString(n int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	if n <= 0 {
		return ""
	}
	raw := make([]byte, n)
	_, _ = crand.Read(raw)
	out := make([]byte, n)
	for i := range out {
		out[i] = letters[int(raw[i])%len(letters)]
	}
	return string(out)
}
