package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
)

// transientCodes are API error codes that may succeed when retried. Codes
// mapped to false are permanent even when their message looks retryable.
var transientCodes = map[string]bool{
	"Throttling":                             true,
	"ThrottlingException":                    true,
	"ThrottledException":                     true,
	"RequestLimitExceeded":                   true,
	"RequestThrottled":                       true,
	"RequestThrottledException":              true,
	"TooManyRequestsException":               true,
	"SlowDown":                               true,
	"ServiceUnavailable":                     true,
	"ServiceUnavailableException":            true,
	"InternalError":                          true,
	"InternalFailure":                        true,
	"InternalServerError":                    true,
	"ServerException":                        true,
	"RequestTimeout":                         true,
	"RequestTimeoutException":                true,
	"PriorRequestNotComplete":                true,
	"DependencyViolation":                    true,
	"FileSystemInUse":                        true,
	"IncorrectFileSystemLifeCycleState":      true,
	"ResourceInUse":                          true,
	"ResourceInUseException":                 true,
	"ConcurrentModification":                 true,
	"ConcurrentModificationException":        true,
	"OperationAbortedException":              true,
	"ClusterContainsServicesException":       true,
	"ClusterContainsTasksException":          true,
	"LimitExceededException":                 false,
	"InvalidParameterValue":                  false,
	"InvalidPermission.Duplicate":            false,
	"UnauthorizedOperation":                  false,
	"AccessDenied":                           false,
	"AccessDeniedException":                  false,
	"InvalidClientTokenId":                   false,
	"ExpiredToken":                           false,
	"IDPCommunicationError":                  true,
	"EC2ThrottledException":                  true,
	"InsufficientCapacity":                   true,
	"ProvisionedThroughputExceededException": true,
}

// notFoundCodes mean the resource does not exist.
var notFoundCodes = map[string]bool{
	"InvalidVpcID.NotFound":             true,
	"InvalidGroup.NotFound":             true,
	"InvalidSubnetID.NotFound":          true,
	"InvalidRouteTableID.NotFound":      true,
	"InvalidInternetGatewayID.NotFound": true,
	"InvalidAssociationID.NotFound":     true,
	"InvalidAllocationID.NotFound":      true,
	"NatGatewayNotFound":                true,
	"TargetGroupNotFound":               true,
	"AccessPointNotFound":               true,
	"FileSystemNotFound":                true,
	"MountTargetNotFound":               true,
	"ClusterNotFoundException":          true,
	"ServiceNotFoundException":          true,
	"ServiceNotActiveException":         true,
	"LoadBalancerNotFound":              true,
	"ResourceNotFoundException":         true,
	"NoSuchEntity":                      true,
}

// classify wraps err with its retry class and the failing operation.
func classify(op provider.Op, kind ir.Kind, err error) error {
	if err == nil {
		return nil
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return err
	}

	wrapped := fmt.Errorf("aws %s %s: %w", op, kind, err)
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(wrapped)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if transient, known := transientCodes[apiErr.ErrorCode()]; known {
			if transient {
				return provider.Transient(wrapped)
			}
			return provider.Permanent(wrapped)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return provider.Transient(wrapped)
		}
	}
	return provider.Classify(wrapped)
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && notFoundCodes[apiErr.ErrorCode()]
}
