package gatt

// clientSet tracks remote devices that accessed the local application, in order of
// first access.
type clientSet struct {
	order []string
	names map[string]string
}

// add records addr and reports whether it is the first client.
func (s *clientSet) add(addr, name string) bool {
	if s.names == nil {
		s.names = make(map[string]string)
	}
	if _, ok := s.names[addr]; ok {
		if name != "" {
			s.names[addr] = name
		}
		return false
	}
	s.names[addr] = name
	s.order = append(s.order, addr)
	return len(s.order) == 1
}

// remove drops addr. It returns the client that should now be reported as the remote,
// and whether the set became empty.
func (s *clientSet) remove(addr string) (next string, empty bool) {
	if _, ok := s.names[addr]; !ok {
		return s.current(), len(s.order) == 0
	}
	delete(s.names, addr)
	for i, a := range s.order {
		if a == addr {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return s.current(), len(s.order) == 0
}

func (s *clientSet) current() string {
	if len(s.order) == 0 {
		return ""
	}
	return s.order[len(s.order)-1]
}

func (s *clientSet) name(addr string) string {
	return s.names[addr]
}

func (s *clientSet) len() int {
	return len(s.order)
}

func (s *clientSet) clear() {
	s.order = nil
	s.names = nil
}
