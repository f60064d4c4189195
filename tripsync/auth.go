package tripsync

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

type ClientAuth struct {
	ByJwt      string
	InstanceId Id
	AppVersion string
}

func (self *ClientAuth) ClientId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.ClientId, nil
}

func (self *ClientAuth) UserId() (Id, error) {
	byJwt, err := ParseByJwtUnverified(self.ByJwt)
	if err != nil {
		return Id{}, err
	}
	return byJwt.UserId, nil
}

type ByJwt struct {
	UserId   Id
	ClientId Id
	TripId   Id
	TripName string
}

// the jwt is verified by the store. Locally the claims are only used
// to attribute writes and fingerprints to this client.
func ParseByJwtUnverified(jwtStr string) (*ByJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwtStr, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	byJwt := &ByJwt{}

	if userIdStr, ok := claims["user_id"].(string); ok {
		if userId, err := ParseId(userIdStr); err == nil {
			byJwt.UserId = userId
		}
	}
	if clientIdStr, ok := claims["client_id"].(string); ok {
		if clientId, err := ParseId(clientIdStr); err == nil {
			byJwt.ClientId = clientId
		}
	}
	if tripIdStr, ok := claims["trip_id"].(string); ok {
		if tripId, err := ParseId(tripIdStr); err == nil {
			byJwt.TripId = tripId
		}
	}
	if tripName, ok := claims["trip_name"].(string); ok {
		byJwt.TripName = tripName
	}

	return byJwt, nil
}
