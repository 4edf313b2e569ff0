package protoreg

import (
	"fmt"
	"sync"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Registry holds the descriptors of every backend contract.
type Registry struct {
	files    []protoreflect.FileDescriptor
	services map[protoreflect.FullName]protoreflect.ServiceDescriptor
}

// Build assembles the backend contracts into a Registry.
func Build() (*Registry, error) {
	contracts := []*fileBuilder{
		clockContract(),
		devdbContract(),
		daqContract(),
		scannerContract(),
		tlgContract(),
	}
	reg := &Registry{
		services: make(map[protoreflect.FullName]protoreflect.ServiceDescriptor),
	}
	for _, c := range contracts {
		fd, err := c.build()
		if err != nil {
			return nil, err
		}
		reg.files = append(reg.files, fd)
		services := fd.Services()
		for i := 0; i < services.Len(); i++ {
			svc := services.Get(i)
			reg.services[svc.FullName()] = svc
		}
	}
	return reg, nil
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// Default returns the process-wide registry, building it on first use.
// The contracts are static, so a build failure is a programming error.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = Build()
	})
	if defaultErr != nil {
		panic(defaultErr)
	}
	return defaultReg
}

// Files returns the contract files in a stable order.
func (r *Registry) Files() []protoreflect.FileDescriptor {
	return r.files
}

// Method looks up a method of one of the backend services.
func (r *Registry) Method(service protoreflect.FullName, method string) (protoreflect.MethodDescriptor, error) {
	svc, ok := r.services[service]
	if !ok {
		return nil, fmt.Errorf("protoreg: unknown service %q", service)
	}
	md := svc.Methods().ByName(protoreflect.Name(method))
	if md == nil {
		return nil, fmt.Errorf("protoreg: service %q has no method %q", service, method)
	}
	return md, nil
}

// MustMethod is Method for the fixed set of contracts declared in this
// package.
func (r *Registry) MustMethod(service protoreflect.FullName, method string) protoreflect.MethodDescriptor {
	md, err := r.Method(service, method)
	if err != nil {
		panic(err)
	}
	return md
}

// FullMethod returns the gRPC path of md, "/package.Service/Method".
func FullMethod(md protoreflect.MethodDescriptor) string {
	return fmt.Sprintf("/%s/%s", md.Parent().FullName(), md.Name())
}
