package ec2settags

import (
	"context"
	"testing"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/providers/ec2tags"
	"github.com/opsautomator/opsautomator/pkg/tagging"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

type fakeStore struct {
	tags      map[string]map[string]string
	instances []engine.ResourceSnapshot
	scopes    []engine.Scope
}

func newFakeStore() *fakeStore {
	return &fakeStore{tags: make(map[string]map[string]string)}
}

func (f *fakeStore) GetTags(ctx context.Context, id string) (map[string]string, error) {
	out := make(map[string]string)
	for k, v := range f.tags[id] {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) CreateTags(ctx context.Context, ids []string, tags map[string]string) error {
	for _, id := range ids {
		if f.tags[id] == nil {
			f.tags[id] = make(map[string]string)
		}
		for k, v := range tags {
			f.tags[id][k] = v
		}
	}
	return nil
}

func (f *fakeStore) DeleteTags(ctx context.Context, ids []string, keys []string) error {
	for _, id := range ids {
		for _, k := range keys {
			delete(f.tags[id], k)
		}
	}
	return nil
}

func (f *fakeStore) Instances(ctx context.Context, ids []string) ([]engine.ResourceSnapshot, error) {
	return f.instances, nil
}

func newAction(store *fakeStore) *Action {
	return New(tagging.NewEventLoopGuard(nil, nil), nil, WithStoreFactory(func(scope engine.Scope) Store {
		store.scopes = append(store.scopes, scope)
		return store
	}))
}

func newRequest(t *testing.T, a *Action, task *engine.Task, resources ...engine.ResourceSnapshot) *engine.Request {
	t.Helper()
	params, err := a.ValidateParameters(task.Parameters)
	if err != nil {
		t.Fatalf("ValidateParameters failed: %v", err)
	}
	return &engine.Request{
		InvocationID: "inv-1",
		Task:         task,
		Scope:        engine.Scope{Account: "111111111111", Region: "eu-west-1"},
		Resources:    resources,
		Params:       params,
		Logger:       telemetry.NewNopLogger(),
	}
}

func TestValidateParameters(t *testing.T) {
	a := newAction(newFakeStore())

	if _, err := a.ValidateParameters(map[string]interface{}{"Tags": "Owner=ops"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	invalid := []map[string]interface{}{
		{},
		{"Tags": "=x"},
		{"Tags": "A=1", "CopyTagsToVolumes": "Cost\\"},
		{"Tags": "A=1", "Other": 1},
	}
	for _, p := range invalid {
		if _, err := a.ValidateParameters(p); !engine.IsConfiguration(err) {
			t.Errorf("Expected configuration error for %v, got %v", p, err)
		}
	}
}

func TestSelectUsesScopeStore(t *testing.T) {
	store := newFakeStore()
	store.instances = []engine.ResourceSnapshot{{ID: "i-1", Type: ec2tags.ResourceTypeInstance}}
	a := newAction(store)

	scope := engine.Scope{Account: "222222222222", Region: "us-east-1"}
	res, err := a.Select(context.Background(), scope, &engine.Task{Name: "t"})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	if len(res) != 1 || res[0].ID != "i-1" {
		t.Errorf("Expected i-1, got %v", res)
	}
	if len(store.scopes) != 1 || store.scopes[0] != scope {
		t.Errorf("Expected store for %v, got %v", scope, store.scopes)
	}
}

func TestExecuteSetsTags(t *testing.T) {
	store := newFakeStore()
	store.tags["i-1"] = map[string]string{"Temp": "x"}
	a := newAction(store)

	task := &engine.Task{Name: "owner", Parameters: map[string]interface{}{
		"Tags": "Owner=ops,Marker={task}-{resource},Temp={delete}",
	}}
	req := newRequest(t, a, task, engine.ResourceSnapshot{ID: "i-1"}, engine.ResourceSnapshot{ID: "i-2"})

	token, err := a.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if store.tags["i-1"]["Marker"] != "owner-i-1" || store.tags["i-2"]["Marker"] != "owner-i-2" {
		t.Errorf("Expected expanded markers, got %v", store.tags)
	}
	if _, ok := store.tags["i-1"]["Temp"]; ok {
		t.Error("Expected Temp deleted")
	}

	metrics := token[engine.MetricsKey].(map[string]interface{})
	if metrics["Tags"] != 4 || metrics["Deleted"] != 1 || metrics["Resources"] != 2 {
		t.Errorf("Unexpected metrics: %v", metrics)
	}
}

func TestExecuteSuppressesRetrigger(t *testing.T) {
	store := newFakeStore()
	store.tags["i-1"] = map[string]string{"Env": "dev"}
	store.tags["i-2"] = map[string]string{"Env": "dev", "Owner": "web"}
	a := newAction(store)

	task := &engine.Task{
		Name:       "tag-prod",
		TagFilter:  "Env=prod&!Owner",
		Parameters: map[string]interface{}{"Tags": "Env=prod,Checked=yes"},
		Events: map[string]map[string][]string{
			engine.EventSourceTag: {engine.EventTypeTagChange: {ec2tags.ResourceTypeInstance}},
		},
	}
	req := newRequest(t, a, task, engine.ResourceSnapshot{ID: "i-1"}, engine.ResourceSnapshot{ID: "i-2"})

	token, err := a.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if store.tags["i-1"]["Env"] != "dev" || store.tags["i-1"]["Checked"] != "" {
		t.Errorf("Expected write on i-1 suppressed, got %v", store.tags["i-1"])
	}
	if store.tags["i-2"]["Env"] != "prod" || store.tags["i-2"]["Checked"] != "yes" {
		t.Errorf("Expected write on i-2, got %v", store.tags["i-2"])
	}
	metrics := token[engine.MetricsKey].(map[string]interface{})
	if metrics["Suppressed"] != 1 || metrics["Tags"] != 2 {
		t.Errorf("Unexpected metrics: %v", metrics)
	}
}

func TestExecuteCopiesTagsToVolumes(t *testing.T) {
	store := newFakeStore()
	a := newAction(store)

	task := &engine.Task{Name: "copy", Parameters: map[string]interface{}{
		"Tags":              "Copied=true",
		"CopyTagsToVolumes": "Cost*,Owner",
	}}
	instance := engine.ResourceSnapshot{
		ID:   "i-1",
		Tags: map[string]string{"CostCenter": "42", "Owner": "ops", "Name": "web"},
		Attributes: map[string]interface{}{
			ec2tags.AttrVolumeIDs: []interface{}{"vol-1", "vol-2"},
		},
	}
	req := newRequest(t, a, task, instance)

	token, err := a.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	for _, vol := range []string{"vol-1", "vol-2"} {
		tags := store.tags[vol]
		if tags["CostCenter"] != "42" || tags["Owner"] != "ops" {
			t.Errorf("Expected copied tags on %s, got %v", vol, tags)
		}
		if _, ok := tags["Name"]; ok {
			t.Errorf("Expected Name not copied to %s", vol)
		}
	}
	metrics := token[engine.MetricsKey].(map[string]interface{})
	if metrics["Copied"] != 4 {
		t.Errorf("Expected 4 copied tags, got %v", metrics["Copied"])
	}
}

func TestConcurrencyKey(t *testing.T) {
	a := newAction(newFakeStore())
	req := &engine.Request{Scope: engine.Scope{Account: "111111111111", Region: "eu-west-1"}}
	if key := a.ConcurrencyKey(req); key != "ec2:111111111111:eu-west-1" {
		t.Errorf("Expected ec2:111111111111:eu-west-1, got %s", key)
	}
}
