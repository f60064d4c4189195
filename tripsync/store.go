package tripsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// the versioned record store is the single source of truth.
// clients never hold locks. Correctness rests on cas plus
// per key serialization inside the mutation queue.

type CasResult struct {
	Ok      bool             `json:"ok"`
	Version int64            `json:"version"`
	Record  *VersionedRecord `json:"record,omitempty"`
}

type Store interface {
	Read(ctx context.Context, resourceKey string) (*VersionedRecord, error)
	ReadScope(ctx context.Context, scope string) ([]*VersionedRecord, error)
	CasUpdate(ctx context.Context, resourceKey string, baseVersion int64, patch map[string]any, by Id) (*CasResult, error)
	CasDelete(ctx context.Context, resourceKey string, baseVersion int64, tombstone bool, by Id) (*CasResult, error)
	Claim(ctx context.Context, resourceKey string, claimantId Id) (*ClaimResult, error)
	Release(ctx context.Context, resourceKey string, claimantId Id) error
}

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

// http client for the store rpc surface served by tripsyncd.
// every transport level failure is wrapped as ErrNetwork so the
// queue treats it as transient and retries with backoff.
type ApiStore struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	auth   *ClientAuth
}

func NewApiStore(ctx context.Context, apiUrl string, auth *ClientAuth) *ApiStore {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ApiStore{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
		auth:   auth,
	}
}

type ReadRecordResult struct {
	Record *VersionedRecord `json:"record,omitempty"`
}

type ReadScopeResult struct {
	Records []*VersionedRecord `json:"records"`
}

type CasUpdateArgs struct {
	ResourceKey string         `json:"resource_key"`
	BaseVersion int64          `json:"base_version"`
	Patch       map[string]any `json:"patch,omitempty"`
	Delete      bool           `json:"delete,omitempty"`
	Tombstone   bool           `json:"tombstone,omitempty"`
	UpdatedBy   Id             `json:"updated_by"`
}

type ClaimArgs struct {
	ResourceKey string `json:"resource_key"`
	ClaimantId  Id     `json:"claimant_id"`
}

type ReleaseResult struct {
	Released bool `json:"released"`
}

func (self *ApiStore) Read(ctx context.Context, resourceKey string) (*VersionedRecord, error) {
	result, err := get(
		ctx,
		fmt.Sprintf("%s/record?key=%s", self.apiUrl, resourceKey),
		self.auth.ByJwt,
		&ReadRecordResult{},
		NewNoopApiCallback[*ReadRecordResult](),
	)
	if err != nil {
		return nil, err
	}
	if result.Record == nil {
		return nil, ErrRecordNotFound
	}
	return result.Record, nil
}

func (self *ApiStore) ReadScope(ctx context.Context, scope string) ([]*VersionedRecord, error) {
	result, err := get(
		ctx,
		fmt.Sprintf("%s/scope?scope=%s", self.apiUrl, scope),
		self.auth.ByJwt,
		&ReadScopeResult{},
		NewNoopApiCallback[*ReadScopeResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (self *ApiStore) CasUpdate(ctx context.Context, resourceKey string, baseVersion int64, patch map[string]any, by Id) (*CasResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/record/cas-update", self.apiUrl),
		&CasUpdateArgs{
			ResourceKey: resourceKey,
			BaseVersion: baseVersion,
			Patch:       patch,
			UpdatedBy:   by,
		},
		self.auth.ByJwt,
		&CasResult{},
		NewNoopApiCallback[*CasResult](),
	)
}

func (self *ApiStore) CasDelete(ctx context.Context, resourceKey string, baseVersion int64, tombstone bool, by Id) (*CasResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/record/cas-update", self.apiUrl),
		&CasUpdateArgs{
			ResourceKey: resourceKey,
			BaseVersion: baseVersion,
			Delete:      true,
			Tombstone:   tombstone,
			UpdatedBy:   by,
		},
		self.auth.ByJwt,
		&CasResult{},
		NewNoopApiCallback[*CasResult](),
	)
}

func (self *ApiStore) Claim(ctx context.Context, resourceKey string, claimantId Id) (*ClaimResult, error) {
	return post(
		ctx,
		fmt.Sprintf("%s/capacity/claim", self.apiUrl),
		&ClaimArgs{
			ResourceKey: resourceKey,
			ClaimantId:  claimantId,
		},
		self.auth.ByJwt,
		&ClaimResult{},
		NewNoopApiCallback[*ClaimResult](),
	)
}

func (self *ApiStore) Release(ctx context.Context, resourceKey string, claimantId Id) error {
	_, err := post(
		ctx,
		fmt.Sprintf("%s/capacity/release", self.apiUrl),
		&ClaimArgs{
			ResourceKey: resourceKey,
			ClaimantId:  claimantId,
		},
		self.auth.ByJwt,
		&ReleaseResult{},
		NewNoopApiCallback[*ReleaseResult](),
	)
	return err
}

func (self *ApiStore) Close() {
	self.cancel()
}

func networkError(err error, message string) error {
	return errors.Wrapf(ErrNetwork, "%s: %v", message, err)
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		err = networkError(err, "post")
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusNotFound == r.StatusCode {
		callback.Result(result, ErrRecordNotFound)
		return result, ErrRecordNotFound
	}
	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = fmt.Errorf("%s", errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		err = networkError(err, "post read")
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		err = networkError(err, "get")
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		var empty R
		err = networkError(err, "get read")
		callback.Result(empty, err)
		return empty, err
	}

	if http.StatusNotFound == r.StatusCode {
		callback.Result(result, ErrRecordNotFound)
		return result, ErrRecordNotFound
	}
	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = fmt.Errorf("%s", errorMessage)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
