package di

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/dig"
)

// ErrNotInitialized 尚未调用 Build 或 InitContainer
var ErrNotInitialized = errors.New("di: container not initialized")

var (
	mu        sync.RWMutex
	container *dig.Container
)

// InitContainer 创建新的全局容器，替换旧的
func InitContainer() *dig.Container {
	mu.Lock()
	defer mu.Unlock()
	container = dig.New()
	return container
}

// Build 创建全局容器并注册聊天服务的全部依赖
func Build(infra Infrastructure) (*dig.Container, error) {
	c := InitContainer()
	if err := RegisterProviders(c, infra); err != nil {
		return nil, err
	}
	return c, nil
}

// GetContainer 获取全局容器，未初始化时为 nil
func GetContainer() *dig.Container {
	mu.RLock()
	defer mu.RUnlock()
	return container
}

// Invoke 在全局容器上执行 dig.Invoke
func Invoke(function interface{}, opts ...dig.InvokeOption) error {
	c := GetContainer()
	if c == nil {
		return ErrNotInitialized
	}
	return c.Invoke(function, opts...)
}

// Resolve 从全局容器取出一个类型的实例
func Resolve[T any]() (T, error) {
	var out T
	err := Invoke(func(v T) { out = v })
	if err != nil {
		return out, fmt.Errorf("resolve %s: %w", reflect.TypeFor[T](), err)
	}
	return out, nil
}
