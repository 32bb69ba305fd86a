package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"reflect"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"nuha.dev/fleettrack/internal/gps/manager"
)

// ServiceRegistry maps function names to typed handlers via
// reflection. A handler is func(ctx, *Req, *Res) or func(ctx, *Res);
// requests are JSON decoded and validated before the call.
type ServiceRegistry struct {
	svcs map[string]service
	*validator.Validate
	mgr     *manager.Manager
	host    string
	logRoot string
	log     log.Logger
}

type service struct {
	reqType reflect.Type
	resType reflect.Type
	handler reflect.Value
}

func NewServiceRegistry(mgr *manager.Manager, host, logRoot string) *ServiceRegistry {
	svc := &ServiceRegistry{}
	svc.svcs = make(map[string]service)
	svc.mgr = mgr
	svc.host = host
	svc.logRoot = logRoot
	svc.Validate = validator.New()
	return svc
}

func (sreg *ServiceRegistry) RegisterService() {
	rcv := Receiver{mgr: sreg.mgr, host: sreg.host, logRoot: sreg.logRoot}
	sreg.Add("Echo", test_echo)
	sreg.Add("ReceiverStats", rcv.ReceiverStats)
	sreg.Add("ReceiverStatsDetail", rcv.ReceiverStatsDetail)
	sreg.Add("StartReceiver", rcv.StartReceiver)
	sreg.Add("StopReceiver", rcv.StopReceiver)
	sreg.Add("ListReceiverLogs", rcv.ListReceiverLogs)
	sreg.Add("TailReceiverLog", rcv.TailReceiverLog)
}

func (sreg *ServiceRegistry) Add(tag string, i interface{}) {
	s := service{}
	s.handler = reflect.ValueOf(i)
	if s.handler.Type().NumIn() == 2 {
		s.reqType = nil
		s.resType = s.handler.Type().In(1).Elem()
	} else {
		s.reqType = s.handler.Type().In(1).Elem()
		s.resType = s.handler.Type().In(2).Elem()
	}
	sreg.svcs[tag] = s
}

func (sreg *ServiceRegistry) Call(tag string, w http.ResponseWriter, r *http.Request) {
	svc, ok := sreg.svcs[tag]
	if !ok {
		http.Error(w, fmt.Sprintf("function %q not found", tag), http.StatusNotFound)
		return
	}
	ctx := r.Context()
	response := reflect.New(svc.resType)
	if svc.reqType != nil {
		request := reflect.New(svc.reqType)
		err := json.NewDecoder(r.Body).Decode(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = sreg.Struct(request.Interface())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		svc.handler.Call([]reflect.Value{reflect.ValueOf(ctx), request, response})
	} else {
		svc.handler.Call([]reflect.Value{reflect.ValueOf(ctx), response})
	}
	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(response.Interface())
	if err != nil {
		sreg.log.Error().Err(err).Msg("")
	}
}

type BasicResponse struct {
	Status int    `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Echo struct {
	Message string `json:"message"`
}

func test_echo(ctx context.Context, req *Echo, res *Echo) {
	res.Message = req.Message
}
