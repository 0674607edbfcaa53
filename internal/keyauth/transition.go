package keyauth

// Transition computes the next state and the effects of ev. It never
// fails: an event with no rule leaves the state unchanged, and a query with
// no rule is denied.
func Transition(s State, ev Event, env Env) (State, []Effect) {
	if s == nil {
		s = Idle{}
	}

	switch e := ev.(type) {
	case Query:
		return query(s, e, env)

	case KeyInserted:
		switch st := s.(type) {
		case WaitingAuthorized:
			if e.Authorized {
				return Idle{}, []Effect{
					Decide{Key: st.Key, Decision: Approved},
					NotifyKeyAuthorized{},
					CloseUI{},
				}
			}
		case AuthorizeNext:
			if !e.Authorized {
				return WaitingQuery{Key: e.Key}, []Effect{ArmTimeout{}}
			}
		}
		return s, nil

	case KeyDisabled:
		if _, ok := s.(SwapWithAuthorized); ok {
			return WaitingAuthorized{Key: e.Key}, []Effect{ArmTimeout{}}
		}
		return s, nil

	case LastAuthorizedKeyRemoved:
		return AuthorizeNext{}, []Effect{NotifyNoKeyPresent{}, ArmTimeout{}}

	case NoKeyPresentAccepted:
		return s, []Effect{CloseUI{}}

	case ClearStorage:
		if st, ok := s.(WaitingQuery); ok {
			return Idle{}, []Effect{
				Decide{Key: st.Key, Decision: Exclusive},
				CloseUI{},
				NotifyStorageCleared{},
			}
		}
		return s, nil

	case UIRejected, UIError:
		return Idle{}, []Effect{CloseUI{}}

	case Timeout:
		if _, idle := s.(Idle); idle || e.Generation != env.Generation {
			return s, nil
		}
		return Idle{}, []Effect{CloseUI{}}
	}

	return s, nil
}

func query(s State, q Query, env Env) (State, []Effect) {
	deny := []Effect{Decide{Key: q.Key, Decision: Denied}}

	// The first key ever seen formats the storage.
	if !env.StorageFormatted {
		return s, []Effect{Decide{Key: q.Key, Decision: Approved}}
	}

	storageNeeded := q.Reason == ReasonStorageNeeded && q.Key.IsEmpty()

	switch st := s.(type) {
	case Idle:
		if storageNeeded && env.UnauthorizedKeys > 0 {
			return SwapWithAuthorized{}, []Effect{
				Decide{Key: q.Key, Decision: Denied},
				NotifyNoAuthorizedKeyPresent{},
				ArmTimeout{},
			}
		}
	case WaitingQuery:
		if !q.Key.IsEmpty() && q.Key.Equal(st.Key) {
			return Idle{}, []Effect{
				Decide{Key: q.Key, Decision: Approved},
				CloseUI{},
			}
		}
	}
	return s, deny
}
