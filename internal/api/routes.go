package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
)

// ServerInterface is the set of operations the HTTP API exposes.
type ServerInterface interface {
	// (GET /v1/methods)
	ListMethods(w http.ResponseWriter, r *http.Request)
	// (POST /v1/contracts/{instance}/invoke/{method})
	InvokeMethod(w http.ResponseWriter, r *http.Request, instance string, method string)
	// (GET /v1/contracts/{instance}/fields/{field})
	ReadField(w http.ResponseWriter, r *http.Request, instance string, field string, params ReadFieldParams)
}

// ReadFieldParams defines parameters for ReadField.
type ReadFieldParams struct {
	Offset *uint64 `form:"offset,omitempty" json:"offset,omitempty"`
	// Limit of 0 or absent returns every element after Offset.
	Limit *uint64 `form:"limit,omitempty" json:"limit,omitempty"`
}

type MiddlewareFunc func(http.Handler) http.Handler

// ServerInterfaceWrapper binds request parameters before calling the handler.
type ServerInterfaceWrapper struct {
	Handler            ServerInterface
	HandlerMiddlewares []MiddlewareFunc
	ErrorHandlerFunc   func(w http.ResponseWriter, r *http.Request, err error)
}

func (siw *ServerInterfaceWrapper) ListMethods(w http.ResponseWriter, r *http.Request) {
	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.ListMethods(w, r)
	})
}

func (siw *ServerInterfaceWrapper) InvokeMethod(w http.ResponseWriter, r *http.Request) {
	var instance, method string

	if err := runtime.BindStyledParameterWithLocation("simple", false, "instance", runtime.ParamLocationPath, chi.URLParam(r, "instance"), &instance); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "instance", Err: err})
		return
	}
	if err := runtime.BindStyledParameterWithLocation("simple", false, "method", runtime.ParamLocationPath, chi.URLParam(r, "method"), &method); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "method", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.InvokeMethod(w, r, instance, method)
	})
}

func (siw *ServerInterfaceWrapper) ReadField(w http.ResponseWriter, r *http.Request) {
	var instance, field string

	if err := runtime.BindStyledParameterWithLocation("simple", false, "instance", runtime.ParamLocationPath, chi.URLParam(r, "instance"), &instance); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "instance", Err: err})
		return
	}
	if err := runtime.BindStyledParameterWithLocation("simple", false, "field", runtime.ParamLocationPath, chi.URLParam(r, "field"), &field); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "field", Err: err})
		return
	}

	var params ReadFieldParams
	if err := runtime.BindQueryParameter("form", true, false, "offset", r.URL.Query(), &params.Offset); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "offset", Err: err})
		return
	}
	if err := runtime.BindQueryParameter("form", true, false, "limit", r.URL.Query(), &params.Limit); err != nil {
		siw.ErrorHandlerFunc(w, r, &InvalidParamFormatError{ParamName: "limit", Err: err})
		return
	}

	siw.serve(w, r, func(w http.ResponseWriter, r *http.Request) {
		siw.Handler.ReadField(w, r, instance, field, params)
	})
}

func (siw *ServerInterfaceWrapper) serve(w http.ResponseWriter, r *http.Request, fn http.HandlerFunc) {
	handler := http.Handler(fn)
	for _, middleware := range siw.HandlerMiddlewares {
		handler = middleware(handler)
	}
	handler.ServeHTTP(w, r)
}

type InvalidParamFormatError struct {
	ParamName string
	Err       error
}

func (e *InvalidParamFormatError) Error() string {
	return fmt.Sprintf("Invalid format for parameter %s: %s", e.ParamName, e.Err.Error())
}

func (e *InvalidParamFormatError) Unwrap() error {
	return e.Err
}

type ChiServerOptions struct {
	BaseURL          string
	BaseRouter       chi.Router
	Middlewares      []MiddlewareFunc
	ErrorHandlerFunc func(w http.ResponseWriter, r *http.Request, err error)
}

// HandlerWithOptions mounts si on options.BaseRouter (or a new router).
func HandlerWithOptions(si ServerInterface, options ChiServerOptions) http.Handler {
	r := options.BaseRouter
	if r == nil {
		r = chi.NewRouter()
	}
	if options.ErrorHandlerFunc == nil {
		options.ErrorHandlerFunc = func(w http.ResponseWriter, r *http.Request, err error) {
			http.Error(w, err.Error(), http.StatusBadRequest)
		}
	}
	wrapper := ServerInterfaceWrapper{
		Handler:            si,
		HandlerMiddlewares: options.Middlewares,
		ErrorHandlerFunc:   options.ErrorHandlerFunc,
	}

	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/v1/methods", wrapper.ListMethods)
	})
	r.Group(func(r chi.Router) {
		r.Post(options.BaseURL+"/v1/contracts/{instance}/invoke/{method}", wrapper.InvokeMethod)
	})
	r.Group(func(r chi.Router) {
		r.Get(options.BaseURL+"/v1/contracts/{instance}/fields/{field}", wrapper.ReadField)
	})

	return r
}
