package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"chat-relay/internal/models"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Backend method names, suffixed with the configured extension.
const (
	MethodDisable  = "SetDisabled"
	MethodBlock    = "SetBlocked"
	MethodMsgSeen  = "SetLastMessageSeen"
	MethodMsgNew   = "SetNewMessage"
	MethodPicture  = "SetPicture"
	MethodLeave    = "SetLeaveConversation"
	MethodJoin     = "SetAddToConversation"
	MethodPending  = "GetPendingChatIds"
	MethodPreviews = "GetLatestChatsPreview"
	MethodContacts = "GetContactList"
	MethodChatInfo = "GetChatInfo"
	MethodUsers    = "GetAllUsers"
	MethodFile     = "SetFile"
)

// DateTimeLayout is the timestamp format the backend expects.
const DateTimeLayout = "2006-01-02 15:04:05"

type RESTConfig struct {
	BaseURL    string
	App        string
	Extension  string
	PrivateKey string
	Timeout    time.Duration
}

// REST talks to the web backend over plain HTTP: GET with query strings,
// POST with urlencoded forms, JSON answers.
type REST struct {
	cfg    RESTConfig
	client *fasthttp.Client
	log    *zap.Logger
}

// NewREST returns a REST directory. A nil client gets a default one.
func NewREST(cfg RESTConfig, client *fasthttp.Client, log *zap.Logger) *REST {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.App == "" {
		cfg.App = "Chat"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &fasthttp.Client{
			Name:         "chat-relay",
			ReadTimeout:  cfg.Timeout,
			WriteTimeout: cfg.Timeout,
		}
	}
	return &REST{cfg: cfg, client: client, log: log.Named("directory")}
}

func (r *REST) ContactList(ctx context.Context, cred models.Credentials) (*models.ContactList, error) {
	args := params("SessionKey", cred.SessionKey, "RequestUserKey", cred.UserKey)
	var out models.ContactList
	if err := r.callJSON(ctx, fasthttp.MethodGet, MethodContacts, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *REST) PendingChatIDs(ctx context.Context, cred models.Credentials) ([]string, error) {
	body, err := r.call(ctx, fasthttp.MethodGet, MethodPending, sessionParams(cred))
	if err != nil {
		return nil, err
	}
	ids, err := decodeList[string](body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", MethodPending, err)
	}
	return ids, nil
}

func (r *REST) LatestPreviews(ctx context.Context, cred models.Credentials) ([]models.ChatPreview, error) {
	body, err := r.call(ctx, fasthttp.MethodGet, MethodPreviews, sessionParams(cred))
	if err != nil {
		return nil, err
	}
	previews, err := decodeList[models.ChatPreview](body)
	if err != nil {
		return nil, fmt.Errorf("%s: decode: %w", MethodPreviews, err)
	}
	return previews, nil
}

func (r *REST) ChatInfo(ctx context.Context, req models.ChatInfoRequest) (*models.ChatInfo, error) {
	args := params("SessionKey", req.SessionKey, "UserKey", req.UserKey)
	switch {
	case req.TargetUserKey == "":
		args = append(args, "ChatKey", req.ChatKey)
	case req.StartGroupChat:
		args = append(args, "TargetUserKey", req.TargetUserKey, "StartGroupChat", "true", "ChatKey", req.ChatKey)
	default:
		args = append(args, "TargetUserKey", req.TargetUserKey)
	}
	args = append(args, "DateTime", time.Now().Format(DateTimeLayout))

	var out models.ChatInfo
	if err := r.callJSON(ctx, fasthttp.MethodGet, MethodChatInfo, args, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *REST) AllUsers(ctx context.Context) ([]models.DirectoryUser, error) {
	var out struct {
		Contacts []models.DirectoryUser `json:"API_Contacts"`
	}
	if err := r.callJSON(ctx, fasthttp.MethodGet, MethodUsers, params("ChatKey", r.cfg.PrivateKey), &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (r *REST) NewMessage(ctx context.Context, cred models.Credentials, chatKey, text string, at time.Time) error {
	args := append(sessionParams(cred), "ChatKey", chatKey, "DateTime", at.Format(DateTimeLayout), "Message", text)
	_, err := r.call(ctx, fasthttp.MethodPost, MethodMsgNew, args)
	return err
}

func (r *REST) MarkSeen(ctx context.Context, cred models.Credentials, chatKey string, at time.Time) error {
	args := append(sessionParams(cred), "ChatKey", chatKey, "DateTime", at.Format(DateTimeLayout))
	_, err := r.call(ctx, fasthttp.MethodGet, MethodMsgSeen, args)
	return err
}

func (r *REST) SetBlocked(ctx context.Context, cred models.Credentials, targetUserKey string, blocked bool) error {
	args := append(sessionParams(cred), "TargetUserKey", targetUserKey, "Blocked", strconv.FormatBool(blocked))
	_, err := r.call(ctx, fasthttp.MethodGet, MethodBlock, args)
	return err
}

func (r *REST) SetDisabled(ctx context.Context, cred models.Credentials, disabled bool) error {
	args := append(sessionParams(cred), "Disabled", strconv.FormatBool(disabled))
	_, err := r.call(ctx, fasthttp.MethodGet, MethodDisable, args)
	return err
}

func (r *REST) Leave(ctx context.Context, cred models.Credentials, chatKey string, at time.Time) error {
	args := append(sessionParams(cred), "DateTime", at.Format(DateTimeLayout), "ChatKey", chatKey)
	_, err := r.call(ctx, fasthttp.MethodGet, MethodLeave, args)
	return err
}

func (r *REST) Join(ctx context.Context, cred models.Credentials, chatKey, targetUserKey string, at time.Time) error {
	args := append(sessionParams(cred),
		"TargetUserKey", targetUserKey, "DateTime", at.Format(DateTimeLayout), "ChatKey", chatKey)
	_, err := r.call(ctx, fasthttp.MethodGet, MethodJoin, args)
	return err
}

func (r *REST) SetPicture(ctx context.Context, cred models.Credentials, postData map[string]string) (string, error) {
	var out struct {
		Hash string `json:"hash"`
	}
	if err := r.callJSON(ctx, fasthttp.MethodPost, MethodPicture, formParams(cred, postData), &out); err != nil {
		return "", err
	}
	if out.Hash == "" {
		return "", failure(MethodPicture, "no picture hash returned")
	}
	return out.Hash, nil
}

func (r *REST) UploadFile(ctx context.Context, cred models.Credentials, postData map[string]string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	if err := r.callJSON(ctx, fasthttp.MethodPost, MethodFile, formParams(cred, postData), &out); err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", failure(MethodFile, "no file url returned")
	}
	return out.URL, nil
}

func (r *REST) callJSON(ctx context.Context, httpMethod, method string, args []string, out any) error {
	body, err := r.call(ctx, httpMethod, method, args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	return nil
}

// call performs one backend request and returns the body of a successful
// answer. args holds key/value pairs in order.
func (r *REST) call(ctx context.Context, httpMethod, method string, args []string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	form := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(form)
	for i := 0; i+1 < len(args); i += 2 {
		form.Add(args[i], args[i+1])
	}

	uri := r.endpoint(method)
	req.Header.SetMethod(httpMethod)
	if httpMethod == fasthttp.MethodGet {
		req.SetRequestURI(uri + "?" + string(form.QueryString()))
	} else {
		req.SetRequestURI(uri)
		req.Header.SetContentType("application/x-www-form-urlencoded")
		req.SetBody(form.QueryString())
	}

	deadline := time.Now().Add(r.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	if err := r.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	r.log.Debug("directory call",
		zap.String("method", method),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode())
	}

	body := append([]byte(nil), resp.Body()...)
	if err := checkFailure(method, body); err != nil {
		r.log.Warn("directory reported failure", zap.String("method", method), zap.Error(err))
		return nil, err
	}
	return body, nil
}

func (r *REST) endpoint(method string) string {
	name := method
	if r.cfg.Extension != "" {
		name += "." + r.cfg.Extension
	}
	return r.cfg.BaseURL + "/" + r.cfg.App + "/" + name
}

// checkFailure detects the backend's error convention: an object whose
// Value string starts with "Error".
func checkFailure(method string, body []byte) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var res struct {
		Value json.RawMessage `json:"Value"`
	}
	if err := json.Unmarshal(trimmed, &res); err != nil || res.Value == nil {
		return nil
	}
	var value string
	if err := json.Unmarshal(res.Value, &value); err != nil {
		return nil
	}
	if strings.HasPrefix(value, "Error") {
		return &FailureError{Method: method, Value: value}
	}
	return nil
}

// decodeList accepts either a JSON array or an object whose values are the
// elements, keeping document order.
func decodeList[T any](body []byte) ([]T, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, nil
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '[' && delim != '{') {
		return nil, fmt.Errorf("unexpected token %v", tok)
	}

	var out []T
	for dec.More() {
		if delim == '{' {
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
		}
		var v T
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func params(kv ...string) []string { return kv }

func sessionParams(cred models.Credentials) []string {
	return params("SessionKey", cred.SessionKey, "UserKey", cred.UserKey)
}

// formParams forwards client upload fields, filling in the credentials
// when the client left them out.
func formParams(cred models.Credentials, postData map[string]string) []string {
	keys := make([]string, 0, len(postData))
	for k := range postData {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys)+4)
	for _, k := range keys {
		args = append(args, k, postData[k])
	}
	if _, ok := postData["SessionKey"]; !ok {
		args = append(args, "SessionKey", cred.SessionKey)
	}
	if _, ok := postData["UserKey"]; !ok {
		args = append(args, "UserKey", cred.UserKey)
	}
	return args
}
