package pvnet

import (
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Provider answers channel-creation requests from the server by name.
type Provider interface {
	ProviderName() string
	Lookup(name string) (*SharedPV, bool)
	Names() []string
}

// StaticProvider is a fixed name -> SharedPV registry. Names are unique
// within one provider. The provider owns the mapping only; a pv holds no
// back-reference to its provider.
type StaticProvider struct {
	name string

	stateLock sync.Mutex
	pvs       map[string]*SharedPV
}

func NewStaticProvider(name string) *StaticProvider {
	return &StaticProvider{
		name: name,
		pvs:  map[string]*SharedPV{},
	}
}

func (self *StaticProvider) ProviderName() string {
	return self.name
}

func (self *StaticProvider) Add(name string, pv *SharedPV) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.pvs[name]; ok {
		return ErrDuplicateName
	}
	self.pvs[name] = pv
	glog.V(1).Infof("[provider]%s add %q\n", self.name, name)
	return nil
}

func (self *StaticProvider) Remove(name string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	delete(self.pvs, name)
}

func (self *StaticProvider) Lookup(name string) (*SharedPV, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pv, ok := self.pvs[name]
	return pv, ok
}

func (self *StaticProvider) Names() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	names := maps.Keys(self.pvs)
	slices.Sort(names)
	return names
}
