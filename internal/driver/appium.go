package driver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AppiumConfig Appium 会话配置
type AppiumConfig struct {
	ServerURL    string                 // 如 http://127.0.0.1:4723
	Capabilities map[string]interface{} // W3C capabilities（alwaysMatch）
	HTTPTimeout  time.Duration          // 单次请求超时
	ImplicitWait time.Duration          // 元素查找隐式等待
}

// AppiumClient 通过 W3C WebDriver 协议驱动 Appium 服务
type AppiumClient struct {
	serverURL string
	sessionID string
	client    *http.Client
	logger    *logrus.Logger
	screenW   int
	screenH   int
}

// NewAppiumClient 创建 Appium 客户端（尚未建立会话）
func NewAppiumClient(serverURL string, httpTimeout time.Duration, logger *logrus.Logger) *AppiumClient {
	if httpTimeout <= 0 {
		httpTimeout = 60 * time.Second
	}
	return &AppiumClient{
		serverURL: strings.TrimSuffix(serverURL, "/"),
		client:    &http.Client{Timeout: httpTimeout},
		logger:    logger,
	}
}

// OpenAppium 创建会话并返回 Provider
func OpenAppium(ctx context.Context, cfg *AppiumConfig, logger *logrus.Logger) (*AppiumClient, error) {
	c := NewAppiumClient(cfg.ServerURL, cfg.HTTPTimeout, logger)
	if err := c.Connect(ctx, cfg.Capabilities); err != nil {
		return nil, err
	}
	if cfg.ImplicitWait > 0 {
		if err := c.SetImplicitWait(ctx, cfg.ImplicitWait); err != nil {
			logger.WithError(err).Warn("Failed to set implicit wait")
		}
	}
	return c, nil
}

// Connect 创建会话
func (c *AppiumClient) Connect(ctx context.Context, capabilities map[string]interface{}) error {
	body := map[string]interface{}{
		"capabilities": map[string]interface{}{
			"alwaysMatch": capabilities,
		},
	}

	resp, err := c.post(ctx, "create_session", "/session", body)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	value, ok := resp["value"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("invalid session response")
	}
	c.sessionID, _ = value["sessionId"].(string)
	if c.sessionID == "" {
		return fmt.Errorf("no session ID in response")
	}

	c.logger.WithFields(logrus.Fields{
		"server":     c.serverURL,
		"session_id": c.sessionID,
	}).Info("Appium session created")
	return nil
}

// SessionID 当前会话 ID
func (c *AppiumClient) SessionID() string {
	return c.sessionID
}

// SetImplicitWait 设置隐式等待
func (c *AppiumClient) SetImplicitWait(ctx context.Context, timeout time.Duration) error {
	_, err := c.post(ctx, "set_timeouts", c.sessionPath()+"/timeouts", map[string]interface{}{
		"implicit": timeout.Milliseconds(),
	})
	return err
}

func (c *AppiumClient) Tree(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "source", c.sessionPath()+"/source")
	if err != nil {
		return "", err
	}
	source, _ := resp["value"].(string)
	return source, nil
}

func (c *AppiumClient) Screenshot(ctx context.Context) ([]byte, error) {
	resp, err := c.get(ctx, "screenshot", c.sessionPath()+"/screenshot")
	if err != nil {
		return nil, err
	}
	encoded, ok := resp["value"].(string)
	if !ok {
		return nil, fmt.Errorf("invalid screenshot response")
	}
	return base64.StdEncoding.DecodeString(encoded)
}

func (c *AppiumClient) ForegroundApp(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "current_package", c.sessionPath()+"/appium/device/current_package")
	if err != nil {
		return "", err
	}
	pkg, _ := resp["value"].(string)
	return pkg, nil
}

func (c *AppiumClient) CurrentActivity(ctx context.Context) (string, error) {
	resp, err := c.get(ctx, "current_activity", c.sessionPath()+"/appium/device/current_activity")
	if err != nil {
		return "", err
	}
	activity, _ := resp["value"].(string)
	return activity, nil
}

// Logs 获取设备日志（logcat 等），每条只保留 message
func (c *AppiumClient) Logs(ctx context.Context, kind string) ([]string, error) {
	resp, err := c.post(ctx, "logs", c.sessionPath()+"/log", map[string]interface{}{"type": kind})
	if err != nil {
		return nil, err
	}
	entries, _ := resp["value"].([]interface{})
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		entry, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		if msg, ok := entry["message"].(string); ok {
			lines = append(lines, msg)
		}
	}
	return lines, nil
}

func (c *AppiumClient) Tap(ctx context.Context, x, y int) error {
	return c.performPointer(ctx, "tap", []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": x, "y": y},
		{"type": "pointerDown", "button": 0},
		{"type": "pause", "duration": 100},
		{"type": "pointerUp", "button": 0},
	})
}

func (c *AppiumClient) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	return c.performPointer(ctx, "swipe", []map[string]interface{}{
		{"type": "pointerMove", "duration": 0, "x": x1, "y": y1},
		{"type": "pointerDown", "button": 0},
		{"type": "pointerMove", "duration": durationMs, "x": x2, "y": y2},
		{"type": "pointerUp", "button": 0},
	})
}

// TypeText 向当前焦点输入文本，key actions 失败时退回 Appium 的 active element 接口
func (c *AppiumClient) TypeText(ctx context.Context, text string) error {
	keyActions := make([]map[string]interface{}, 0, len(text)*2)
	for _, ch := range text {
		keyActions = append(keyActions,
			map[string]interface{}{"type": "keyDown", "value": string(ch)},
			map[string]interface{}{"type": "keyUp", "value": string(ch)},
		)
	}

	_, err := c.post(ctx, "type_text", c.sessionPath()+"/actions", map[string]interface{}{
		"actions": []map[string]interface{}{
			{"type": "key", "id": "keyboard", "actions": keyActions},
		},
	})
	if err != nil && !IsSessionLost(err) {
		_, err = c.post(ctx, "type_text", c.sessionPath()+"/appium/element/active/value", map[string]interface{}{
			"text": text,
		})
	}
	return err
}

func (c *AppiumClient) PressBack(ctx context.Context) error {
	_, err := c.post(ctx, "press_back", c.sessionPath()+"/appium/device/press_keycode", map[string]interface{}{
		"keycode": KeycodeBack,
	})
	return err
}

func (c *AppiumClient) ActivateApp(ctx context.Context, appID string) error {
	_, err := c.post(ctx, "activate_app", c.sessionPath()+"/appium/device/activate_app", map[string]interface{}{
		"appId": appID,
	})
	return err
}

// WindowSize 屏幕尺寸，首次获取后缓存
func (c *AppiumClient) WindowSize(ctx context.Context) (int, int, error) {
	if c.screenW > 0 && c.screenH > 0 {
		return c.screenW, c.screenH, nil
	}
	resp, err := c.get(ctx, "window_rect", c.sessionPath()+"/window/rect")
	if err != nil {
		return 0, 0, err
	}
	if value, ok := resp["value"].(map[string]interface{}); ok {
		if w, ok := value["width"].(float64); ok {
			c.screenW = int(w)
		}
		if h, ok := value["height"].(float64); ok {
			c.screenH = int(h)
		}
	}
	if c.screenW == 0 || c.screenH == 0 {
		return 0, 0, fmt.Errorf("invalid window rect response")
	}
	return c.screenW, c.screenH, nil
}

// Shell 通过 mobile: shell 执行 adb shell 命令（需要 relaxed security）
func (c *AppiumClient) Shell(ctx context.Context, command string, args ...string) (string, error) {
	resp, err := c.post(ctx, "mobile_shell", c.sessionPath()+"/execute/sync", map[string]interface{}{
		"script": "mobile: shell",
		"args": []interface{}{map[string]interface{}{
			"command": command,
			"args":    args,
		}},
	})
	if err != nil {
		return "", err
	}
	out, _ := resp["value"].(string)
	return out, nil
}

// Close 删除远端会话
func (c *AppiumClient) Close(ctx context.Context) error {
	if c.sessionID == "" {
		return nil
	}
	_, err := c.request(ctx, "delete_session", http.MethodDelete, c.sessionPath(), nil)
	c.logger.WithField("session_id", c.sessionID).Info("Appium session closed")
	c.sessionID = ""
	return err
}

func (c *AppiumClient) performPointer(ctx context.Context, op string, actions []map[string]interface{}) error {
	_, err := c.post(ctx, op, c.sessionPath()+"/actions", map[string]interface{}{
		"actions": []map[string]interface{}{
			{
				"type":       "pointer",
				"id":         "finger1",
				"parameters": map[string]string{"pointerType": "touch"},
				"actions":    actions,
			},
		},
	})
	return err
}

func (c *AppiumClient) sessionPath() string {
	return "/session/" + c.sessionID
}

func (c *AppiumClient) get(ctx context.Context, op, path string) (map[string]interface{}, error) {
	return c.request(ctx, op, http.MethodGet, path, nil)
}

func (c *AppiumClient) post(ctx context.Context, op, path string, body interface{}) (map[string]interface{}, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	return c.request(ctx, op, http.MethodPost, path, body)
}

// request 发送请求，所有失败都归类为 *Fault（调用方取消除外）
func (c *AppiumClient) request(ctx context.Context, op, method, path string, body interface{}) (map[string]interface{}, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, ctx.Err()
		}
		return nil, classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(op, err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(respBody, &result); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, NewFault(FaultInstrumentationCrashed, op, fmt.Errorf("status %d: %s", resp.StatusCode, truncate(string(respBody), 200)))
		}
		return nil, NewFault(FaultTimeout, op, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err))
	}

	if errValue, ok := result["value"].(map[string]interface{}); ok {
		if errType, ok := errValue["error"].(string); ok {
			errMsg, _ := errValue["message"].(string)
			return result, classifyWebDriverError(op, errType, errMsg)
		}
	}

	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
